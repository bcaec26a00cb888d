package upstream

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// Anthropic returns a handler that simulates the Anthropic Messages API.
func Anthropic(opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		opts.delay()
		if opts.fail() {
			anthropicError(w, http.StatusInternalServerError, "simulated upstream failure", "overloaded_error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			anthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		if req.Model == "" {
			req.Model = "claude-3-5-sonnet-20241022"
		}

		id := fmt.Sprintf("msg_%x", rand.Int64())
		text := reply(opts.replyWords())
		inTokens, outTokens := 15, opts.replyWords()

		if req.Stream {
			streamMessages(w, id, req.Model, text, inTokens, outTokens)
			return
		}

		respond(w, http.StatusOK, map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         req.Model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
			"usage": map[string]int{
				"input_tokens":  inTokens,
				"output_tokens": outTokens,
			},
		})
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": "claude-3-5-sonnet-20241022", "display_name": "Claude 3.5 Sonnet"},
				{"id": "claude-3-haiku-20240307", "display_name": "Claude 3 Haiku"},
			},
			"has_more": false,
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		anthropicError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path), "not_found_error")
	})

	return mux
}

func anthropicError(w http.ResponseWriter, status int, msg, typ string) {
	respond(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": typ, "message": msg},
	})
}

// streamMessages writes the Anthropic streaming event sequence:
// message_start, content_block_start, one content_block_delta per word,
// content_block_stop, message_delta with final usage, message_stop.
func streamMessages(w http.ResponseWriter, id, model, text string, inTokens, outTokens int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	event := func(name string, payload any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": inTokens, "output_tokens": 0},
		},
	})
	event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})

	for _, word := range strings.Fields(text) {
		event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	event("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	event("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outTokens},
	})
	event("message_stop", map[string]string{"type": "message_stop"})
}
