// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Gemini, and OpenAI-compatible
// hosts).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Providers that support vector embeddings additionally implement
// EmbeddingProvider.
package providers

import (
	"context"
	"time"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// CompletionRequest — normalized chat completion request.
	CompletionRequest struct {
		Model       string
		Messages    []Message
		Temperature float64
		MaxTokens   int
		APIKeyID    string
		RequestID   string
	}

	// Completion — normalized non-streaming completion response.
	Completion struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
	}

	// StreamChunk is one delivery on a streaming response channel.
	//
	// A chunk with Err set is always the last one before the channel closes;
	// a chunk with a non-empty FinishReason marks the upstream end of stream.
	// Usage is non-nil only on the final chunk, and only when the upstream
	// reports exact token counts.
	StreamChunk struct {
		Content      string
		FinishReason string
		Usage        *Usage
		Err          error
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Inputs is the list of texts to embed. Always at least one element.
		Inputs    []string
		Model     string
		APIKeyID  string
		RequestID string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider — LLM provider interface.
//
// StreamComplete returns a channel that is closed after the final chunk.
// Implementations stop producing when ctx is cancelled.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	StreamComplete(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// Default retry and timeout constants. Overridable via config.
const (
	MaxRetries      = 3
	ProviderTimeout = 30 * time.Second
)

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status.
type StatusCoder interface {
	HTTPStatus() int
}
