package upstream

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// OpenAI returns a handler that simulates the OpenAI API. The same handler
// serves the OpenAI-compatible hosts (xAI, DeepSeek, Groq), which share the
// wire format.
func OpenAI(opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		opts.delay()
		if opts.fail() {
			openAIError(w, http.StatusInternalServerError, "simulated upstream failure", "server_error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			openAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		if req.Model == "" {
			req.Model = "gpt-4o"
		}

		id := fmt.Sprintf("chatcmpl-%x", rand.Int64())
		text := reply(opts.replyWords())

		if req.Stream {
			streamChatCompletion(w, id, req.Model, text)
			return
		}

		respond(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": text},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": opts.replyWords(),
				"total_tokens":      10 + opts.replyWords(),
			},
		})
	})

	mux.HandleFunc("POST /v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		opts.delay()
		if opts.fail() {
			openAIError(w, http.StatusInternalServerError, "simulated upstream failure", "server_error")
			return
		}

		var req struct {
			Model string `json:"model"`
			Input any    `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			openAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		if req.Model == "" {
			req.Model = "text-embedding-3-small"
		}

		n := 1
		if arr, ok := req.Input.([]any); ok && len(arr) > 0 {
			n = len(arr)
		}
		data := make([]map[string]any, n)
		for i := range data {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": vector(1536),
			}
		}

		respond(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage": map[string]int{
				"prompt_tokens": n * 5,
				"total_tokens":  n * 5,
			},
		})
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		ids := []string{"gpt-4o", "gpt-4o-mini", "text-embedding-3-small", "text-embedding-3-large"}
		data := make([]map[string]any, len(ids))
		for i, id := range ids {
			data[i] = map[string]any{"id": id, "object": "model", "owned_by": "openai"}
		}
		respond(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		openAIError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

func openAIError(w http.ResponseWriter, status int, msg, typ string) {
	respond(w, status, map[string]any{
		"error": map[string]string{"message": msg, "type": typ, "code": typ},
	})
}

// streamChatCompletion writes an SSE stream of chat.completion.chunk events,
// one word per chunk, then a finish chunk and the [DONE] sentinel.
func streamChatCompletion(w http.ResponseWriter, id, model, text string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	chunk := func(delta map[string]string, finish any) {
		data, _ := json.Marshal(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, word := range strings.Fields(text) {
		chunk(map[string]string{"content": word + " "}, nil)
	}
	chunk(map[string]string{}, "stop")
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
