// Package apierr defines the gateway's response envelope and stable error
// codes, with helpers for writing them to fasthttp responses.
//
// Every JSON response the gateway produces is wrapped:
//
//	{"success": true,  "data": ...}
//	{"success": false, "error": {"code": "...", "message": "..."}}
//
// Codes are part of the public contract; clients branch on them, messages
// are free to change.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Stable error codes.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeKeyInactive       = "KEY_INACTIVE"
	CodeKeyExpired        = "KEY_EXPIRED"
	CodeForbidden         = "FORBIDDEN"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeBudgetExceeded    = "BUDGET_EXCEEDED"
	CodeNotFound          = "NOT_FOUND"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Status maps an error code to its HTTP status.
func Status(code string) int {
	switch code {
	case CodeUnauthorized, CodeKeyInactive, CodeKeyExpired:
		return fasthttp.StatusUnauthorized
	case CodeForbidden:
		return fasthttp.StatusForbidden
	case CodeValidationError:
		return fasthttp.StatusBadRequest
	case CodeRateLimitExceeded, CodeBudgetExceeded:
		return fasthttp.StatusTooManyRequests
	case CodeNotFound:
		return fasthttp.StatusNotFound
	default:
		return fasthttp.StatusInternalServerError
	}
}

type (
	// APIError is the error object inside a failure envelope.
	APIError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	failure struct {
		Success bool     `json:"success"`
		Error   APIError `json:"error"`
	}
	success struct {
		Success bool `json:"success"`
		Data    any  `json:"data"`
	}
)

// WriteError writes a failure envelope with the status derived from code.
func WriteError(ctx *fasthttp.RequestCtx, code, message string) {
	ctx.SetStatusCode(Status(code))
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(failure{Error: APIError{Code: code, Message: message}})
	ctx.SetBody(body)
}

// WriteRateLimit writes a RATE_LIMIT_EXCEEDED failure with a Retry-After
// hint of the remaining window in whole seconds (minimum 1).
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	WriteError(ctx, CodeRateLimitExceeded, "request rate limit exceeded for this key")
}

// WriteData writes a success envelope with the given status and data payload.
func WriteData(ctx *fasthttp.RequestCtx, status int, data any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, err := json.Marshal(success{Success: true, Data: data})
	if err != nil {
		WriteError(ctx, CodeInternalError, "failed to encode response")
		return
	}
	ctx.SetBody(body)
}
