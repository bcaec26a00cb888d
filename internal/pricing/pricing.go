// Package pricing holds the static model price table used for cost
// computation and budget pre-checks.
//
// Prices are USD per 1 000 tokens. The table is append-only at compile time;
// there is no runtime mutation, so lookups need no locking.
//
// Unknown models fail closed: Cost returns ErrUnknownModel instead of
// silently charging zero, so a misconfigured model name can never produce
// unmetered upstream spend.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownModel is returned when the requested model has no price entry.
var ErrUnknownModel = errors.New("pricing: unknown model")

// ModelPricing describes one model's billing parameters.
type ModelPricing struct {
	// InputPerKTok is the USD price per 1 000 input (prompt) tokens.
	InputPerKTok float64
	// OutputPerKTok is the USD price per 1 000 output (completion) tokens.
	OutputPerKTok float64
	// ContextWindow is the model's maximum context size in tokens. Used as
	// the worst-case output bound when a request does not set max_tokens.
	ContextWindow int
}

// ModelInfo is a price table entry augmented with the inferred provider name,
// as served by GET /models.
type ModelInfo struct {
	Model         string  `json:"model"`
	Provider      string  `json:"provider"`
	InputPerKTok  float64 `json:"input_per_1k_tokens"`
	OutputPerKTok float64 `json:"output_per_1k_tokens"`
	ContextWindow int     `json:"context_window"`
}

// table maps model identifiers to pricing. Prices as of mid-2025; update in
// lockstep with the upstream providers' published rates.
var table = map[string]ModelPricing{
	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":         {InputPerKTok: 0.03, OutputPerKTok: 0.06, ContextWindow: 8_192},
	"gpt-4-turbo":   {InputPerKTok: 0.01, OutputPerKTok: 0.03, ContextWindow: 128_000},
	"gpt-4o":        {InputPerKTok: 0.0025, OutputPerKTok: 0.01, ContextWindow: 128_000},
	"gpt-4o-mini":   {InputPerKTok: 0.00015, OutputPerKTok: 0.0006, ContextWindow: 128_000},
	"gpt-4.1":       {InputPerKTok: 0.002, OutputPerKTok: 0.008, ContextWindow: 1_047_576},
	"gpt-4.1-mini":  {InputPerKTok: 0.0004, OutputPerKTok: 0.0016, ContextWindow: 1_047_576},
	"gpt-4.1-nano":  {InputPerKTok: 0.0001, OutputPerKTok: 0.0004, ContextWindow: 1_047_576},
	"gpt-3.5-turbo": {InputPerKTok: 0.0005, OutputPerKTok: 0.0015, ContextWindow: 16_385},
	"o1":            {InputPerKTok: 0.015, OutputPerKTok: 0.06, ContextWindow: 200_000},
	"o1-mini":       {InputPerKTok: 0.0011, OutputPerKTok: 0.0044, ContextWindow: 128_000},
	"o3-mini":       {InputPerKTok: 0.0011, OutputPerKTok: 0.0044, ContextWindow: 200_000},

	// OpenAI embeddings — output side is never billed.
	"text-embedding-3-small": {InputPerKTok: 0.00002, ContextWindow: 8_191},
	"text-embedding-3-large": {InputPerKTok: 0.00013, ContextWindow: 8_191},
	"text-embedding-ada-002": {InputPerKTok: 0.0001, ContextWindow: 8_191},

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-opus":        {InputPerKTok: 0.015, OutputPerKTok: 0.075, ContextWindow: 200_000},
	"claude-3-5-sonnet":    {InputPerKTok: 0.003, OutputPerKTok: 0.015, ContextWindow: 200_000},
	"claude-3-5-haiku":     {InputPerKTok: 0.0008, OutputPerKTok: 0.004, ContextWindow: 200_000},
	"claude-3-haiku":       {InputPerKTok: 0.00025, OutputPerKTok: 0.00125, ContextWindow: 200_000},
	"claude-3-7-sonnet":    {InputPerKTok: 0.003, OutputPerKTok: 0.015, ContextWindow: 200_000},
	"claude-sonnet-4":      {InputPerKTok: 0.003, OutputPerKTok: 0.015, ContextWindow: 200_000},
	"claude-opus-4":        {InputPerKTok: 0.015, OutputPerKTok: 0.075, ContextWindow: 200_000},

	// ─── Google Gemini ────────────────────────────────────────────────────────
	"gemini-1.5-pro":    {InputPerKTok: 0.00125, OutputPerKTok: 0.005, ContextWindow: 2_097_152},
	"gemini-1.5-flash":  {InputPerKTok: 0.000075, OutputPerKTok: 0.0003, ContextWindow: 1_048_576},
	"gemini-2.0-flash":  {InputPerKTok: 0.0001, OutputPerKTok: 0.0004, ContextWindow: 1_048_576},
	"gemini-2.5-pro":    {InputPerKTok: 0.00125, OutputPerKTok: 0.01, ContextWindow: 1_048_576},
	"gemini-2.5-flash":  {InputPerKTok: 0.0003, OutputPerKTok: 0.0025, ContextWindow: 1_048_576},
	"text-embedding-004": {InputPerKTok: 0.00001, ContextWindow: 2_048},

	// ─── OpenAI-compatible hosts ──────────────────────────────────────────────
	"deepseek-chat":           {InputPerKTok: 0.00027, OutputPerKTok: 0.0011, ContextWindow: 64_000},
	"deepseek-reasoner":       {InputPerKTok: 0.00055, OutputPerKTok: 0.00219, ContextWindow: 64_000},
	"grok-3":                  {InputPerKTok: 0.003, OutputPerKTok: 0.015, ContextWindow: 131_072},
	"grok-3-mini":             {InputPerKTok: 0.0003, OutputPerKTok: 0.0005, ContextWindow: 131_072},
	"llama-3.3-70b-versatile": {InputPerKTok: 0.00059, OutputPerKTok: 0.00079, ContextWindow: 131_072},
	"llama-3.1-8b-instant":    {InputPerKTok: 0.00005, OutputPerKTok: 0.00008, ContextWindow: 131_072},
}

// providerPrefixes infers the serving provider from the model identifier.
// Ordered: first match wins.
var providerPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"text-embedding-3", "openai"},
	{"text-embedding-ada", "openai"},
	{"claude-", "anthropic"},
	{"gemini-", "gemini"},
	{"text-embedding-0", "gemini"},
	{"deepseek-", "deepseek"},
	{"grok-", "xai"},
	{"llama-", "groq"},
}

// Lookup returns the pricing entry for model. ok is false for unknown models.
func Lookup(model string) (ModelPricing, bool) {
	p, ok := table[model]
	return p, ok
}

// Provider infers the upstream provider name from the model identifier.
// Returns "openai" for unrecognized names — the same default routing the
// chat dispatch uses.
func Provider(model string) string {
	for _, pp := range providerPrefixes {
		if strings.HasPrefix(model, pp.prefix) {
			return pp.provider
		}
	}
	return "openai"
}

// Cost computes the USD cost of a completed call:
//
//	cost = inputTokens/1000 * InputPerKTok + outputTokens/1000 * OutputPerKTok
//
// Unknown models fail closed with ErrUnknownModel.
func Cost(model string, inputTokens, outputTokens int) (float64, error) {
	p, ok := table[model]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return float64(inputTokens)/1000*p.InputPerKTok +
		float64(outputTokens)/1000*p.OutputPerKTok, nil
}

// EstimateCost computes a conservative worst-case cost for the admission
// pre-check. estInputTokens is the caller's prompt-size estimate; maxTokens
// bounds the output. A zero maxTokens assumes the model's full context
// window — deliberately pessimistic so budget caps are never undershot.
func EstimateCost(model string, estInputTokens, maxTokens int) (float64, error) {
	p, ok := table[model]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	out := maxTokens
	if out <= 0 {
		out = p.ContextWindow
	}
	return float64(estInputTokens)/1000*p.InputPerKTok +
		float64(out)/1000*p.OutputPerKTok, nil
}

// List returns every table entry with its inferred provider, sorted by model
// name for a stable GET /models response.
func List() []ModelInfo {
	out := make([]ModelInfo, 0, len(table))
	for model, p := range table {
		out = append(out, ModelInfo{
			Model:         model,
			Provider:      Provider(model),
			InputPerKTok:  p.InputPerKTok,
			OutputPerKTok: p.OutputPerKTok,
			ContextWindow: p.ContextWindow,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}
