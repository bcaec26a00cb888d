package upstream

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// Gemini returns a handler that simulates the Google Gemini API as spoken by
// google.golang.org/genai:
//
//	POST /v1beta/models/{model}:generateContent
//	POST /v1beta/models/{model}:streamGenerateContent
//	POST /v1beta/models/{model}:embedContent
//	POST /v1beta/models/{model}:batchEmbedContents
//	GET  /v1beta/models
func Gemini(opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		model, action := splitModelAction(r.URL.Path)
		opts.delay()

		switch action {
		case "generateContent", "streamGenerateContent":
			if opts.fail() {
				geminiError(w, http.StatusInternalServerError, "simulated upstream failure")
				return
			}
			generateContent(w, opts, model, action == "streamGenerateContent")
		case "embedContent":
			respond(w, http.StatusOK, map[string]any{
				"embedding": map[string]any{"values": vector(768)},
			})
		case "batchEmbedContents":
			batchEmbed(w, r)
		default:
			geminiError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
		}
	})

	mux.HandleFunc("GET /v1beta/models", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-1.5-pro", "displayName": "Gemini 1.5 Pro"},
				{"name": "models/gemini-2.0-flash", "displayName": "Gemini 2.0 Flash"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		geminiError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path))
	})

	return mux
}

func generateContent(w http.ResponseWriter, opts Options, model string, stream bool) {
	text := reply(opts.replyWords())
	inTokens, outTokens := 10, opts.replyWords()

	resp := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": text}},
			},
			"finishReason": "STOP",
			"index":        0,
		}},
		"usageMetadata": map[string]int{
			"promptTokenCount":     inTokens,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      inTokens + outTokens,
		},
		"responseId":   fmt.Sprintf("gemini-%x", rand.Int64()),
		"modelVersion": model,
	}

	if stream {
		// genai consumes streaming responses as a JSON array of
		// GenerateContentResponse objects.
		respond(w, http.StatusOK, []any{resp})
		return
	}
	respond(w, http.StatusOK, resp)
}

func batchEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requests []json.RawMessage `json:"requests"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	n := max(len(req.Requests), 1)
	embeddings := make([]map[string]any, n)
	for i := range embeddings {
		embeddings[i] = map[string]any{"values": vector(768)}
	}
	respond(w, http.StatusOK, map[string]any{"embeddings": embeddings})
}

func geminiError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg, "status": "INTERNAL"},
	})
}

// splitModelAction parses "/v1beta/models/gemini-1.5-pro:generateContent"
// into its model and action parts.
func splitModelAction(path string) (model, action string) {
	rest := strings.TrimPrefix(path, "/v1beta/models/")
	if model, action, ok := strings.Cut(rest, ":"); ok {
		return model, action
	}
	return rest, ""
}
