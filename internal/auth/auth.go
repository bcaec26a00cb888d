// Package auth defines the API-key boundary of the gateway core.
//
// Key provisioning and persistence belong to an external subsystem; the
// gateway only resolves a presented secret to an ApiKeyContext once per
// request and treats the result as immutable for that request's duration.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// Permission gates what an API key may do.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// ApiKeyContext is the immutable per-request view of an API key record.
type ApiKeyContext struct {
	ID                 string
	ProjectID          string
	Permissions        map[Permission]struct{}
	RateLimitPerWindow int        // 0 = use the configured default
	DailyBudgetUsd     *float64   // nil = use the configured default cap
	MonthlyBudgetUsd   *float64   // nil = use the configured default cap
	IsActive           bool
	ExpiresAt          *time.Time // nil = never expires
}

// Has reports whether the key grants p.
func (k *ApiKeyContext) Has(p Permission) bool {
	_, ok := k.Permissions[p]
	return ok
}

// Expired reports whether the key's expiry is in the past at now.
func (k *ApiKeyContext) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// KeyStore resolves a presented API-key secret to its record.
// Implemented externally; StaticKeyStore covers tests and single-tenant
// deployments configured from a file.
type KeyStore interface {
	// Lookup returns the key record for secret, or ok=false when the secret
	// is unknown.
	Lookup(ctx context.Context, secret string) (*ApiKeyContext, bool)
}

// ExtractKey pulls the API-key secret from a request, checking in order:
// the Authorization Bearer header, the X-API-Key header, and the api_key
// query parameter. Returns "" when none is present.
func ExtractKey(ctx *fasthttp.RequestCtx) string {
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))); raw != "" {
		if tok := parseBearer(raw); tok != "" {
			return tok
		}
	}
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek("X-API-Key"))); raw != "" {
		return raw
	}
	return strings.TrimSpace(string(ctx.QueryArgs().Peek("api_key")))
}

func parseBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
