// Package fingerprint canonicalizes requests into deterministic cache keys.
//
// A fingerprint covers exactly the fields that affect the upstream result:
// provider, model, ordered messages (or embedding inputs), temperature, and
// max_tokens. Request metadata that cannot change the output — trace IDs,
// API keys, timestamps — is deliberately excluded so identical requests from
// different callers share one cache entry per scope.
//
// Canonical form: json.Marshal of a fixed struct. Struct field order is
// stable in encoding/json, strings are escaped identically on every run, and
// floats are rendered with strconv.FormatFloat(-1) so "0.70" and "0.7" map
// to the same key. The digest is SHA-256, hex-encoded (64 chars).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// Message is one conversation turn, in request order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionInput holds the output-affecting fields of a chat/completion
// request.
type CompletionInput struct {
	Provider    string
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// EmbeddingInput holds the output-affecting fields of an embedding request.
type EmbeddingInput struct {
	Provider string
	Model    string
	Inputs   []string
}

// Completion returns the fingerprint of a chat/completion request.
func Completion(in CompletionInput) string {
	canonical := struct {
		Kind        string    `json:"kind"`
		Provider    string    `json:"provider"`
		Model       string    `json:"model"`
		Temperature string    `json:"temperature"`
		MaxTokens   int       `json:"max_tokens"`
		Messages    []Message `json:"messages"`
	}{
		Kind:        "completion",
		Provider:    in.Provider,
		Model:       in.Model,
		Temperature: formatFloat(in.Temperature),
		MaxTokens:   in.MaxTokens,
		Messages:    in.Messages,
	}
	return digest(canonical)
}

// Embedding returns the fingerprint of an embedding request.
func Embedding(in EmbeddingInput) string {
	canonical := struct {
		Kind     string   `json:"kind"`
		Provider string   `json:"provider"`
		Model    string   `json:"model"`
		Inputs   []string `json:"inputs"`
	}{
		Kind:     "embedding",
		Provider: in.Provider,
		Model:    in.Model,
		Inputs:   in.Inputs,
	}
	return digest(canonical)
}

// formatFloat renders f in the shortest form that round-trips, independent of
// locale. Distinct values always produce distinct strings.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// digest marshals v and hashes it. The canonical structs marshal without
// error by construction (no channels, funcs, or NaN floats reach here —
// float fields are pre-rendered as strings).
func digest(v any) string {
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
