// Package proxy is the core gateway request dispatcher.
//
// The Gateway authenticates the caller's API key, admits the request through
// the rate limiter and budget ledger, checks the response cache, and forwards
// cache misses to the provider resolved from the model name — retrying
// transient upstream failures with backoff before giving up.
//
// Key design constraints:
//   - Gateway overhead < 2 ms P50 on cache hits. No blocking I/O before the
//     upstream call except the limiter/ledger counters.
//   - Cache, limiter, ledger, usage recorder, and metrics are optional and
//     nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are relayed as SSE; the accumulated text is cached
//     only when the stream terminates cleanly.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/tessellate-io/ai-gateway/internal/admission"
	"github.com/tessellate-io/ai-gateway/internal/auth"
	"github.com/tessellate-io/ai-gateway/internal/budget"
	"github.com/tessellate-io/ai-gateway/internal/cache"
	"github.com/tessellate-io/ai-gateway/internal/fingerprint"
	"github.com/tessellate-io/ai-gateway/internal/metrics"
	"github.com/tessellate-io/ai-gateway/internal/pricing"
	"github.com/tessellate-io/ai-gateway/internal/providers"
	"github.com/tessellate-io/ai-gateway/internal/usage"
	"github.com/tessellate-io/ai-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// charsPerToken is the prompt-size heuristic used for the admission cost
	// estimate and for metering streams whose upstream reports no counts.
	charsPerToken = 4
)

// GatewayOptions holds optional dependencies and tuning parameters for a
// Gateway. All fields have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of upstream attempts per request
	// (including the first). Must be ≥ 1. Default: providers.MaxRetries (3).
	MaxRetries int

	// ProviderTimeout is the per-request upstream timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CacheTTL controls the lifetime of cached responses. Default: 1h.
	CacheTTL time.Duration

	// RateLimitWindow is the limiter window length, used for the Retry-After
	// hint on rate-limit rejections. Default: 1m.
	RateLimitWindow time.Duration

	// Cache stores successful responses keyed by request fingerprint.
	// When nil, every request goes upstream.
	Cache cache.Cache

	// CacheExclusions lists models that bypass the cache entirely.
	CacheExclusions *cache.Exclusions

	// Admission gates requests before any upstream work. When nil, every
	// active, unexpired key is admitted.
	Admission *admission.Controller

	// Ledger accumulates per-key spend after successful upstream calls.
	Ledger *budget.Ledger

	// Usage receives one record per completed upstream call.
	Usage *usage.Recorder

	// Metrics enables Prometheus metrics collection. When nil, disabled.
	Metrics *metrics.Registry

	// CacheReady is the readiness probe for the cache backend, served by
	// GET /readiness.
	CacheReady func() bool

	// CORSOrigins is the allowed-origins list for the CORS middleware.
	CORSOrigins []string
}

// Gateway is the main dispatcher — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	providers map[string]providers.Provider
	keys      auth.KeyStore
	admit     *admission.Controller
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry
	flight    singleflight.Group

	maxRetries      int
	providerTimeout time.Duration
	cacheTTL        time.Duration
	rateLimitWindow time.Duration

	// Optional dependencies — nil-safe when not configured.
	cache      cache.Cache
	exclusions *cache.Exclusions
	ledger     *budget.Ledger
	usage      *usage.Recorder
	cacheReady func() bool

	corsOrigins []string
}

// NewGateway creates a fully configured Gateway. provs maps provider names
// ("openai", "anthropic", ...) to adapters; keys resolves presented API-key
// secrets.
func NewGateway(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	keys auth.KeyStore,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if keys == nil {
		panic("gateway: key store must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	rateLimitWindow := opts.RateLimitWindow
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}

	return &Gateway{
		providers:       provs,
		keys:            keys,
		admit:           opts.Admission,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		maxRetries:      maxRetries,
		providerTimeout: providerTimeout,
		cacheTTL:        cacheTTL,
		rateLimitWindow: rateLimitWindow,
		cache:           opts.Cache,
		exclusions:      opts.CacheExclusions,
		ledger:          opts.Ledger,
		usage:           opts.Usage,
		cacheReady:      opts.CacheReady,
		corsOrigins:     opts.CORSOrigins,
	}
}

// ── Authentication and admission ──────────────────────────────────────────────

// authenticate resolves the presented API key and checks the required
// permission. On failure an error envelope has already been written and the
// returned key is nil.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx, perm auth.Permission) *auth.ApiKeyContext {
	secret := auth.ExtractKey(ctx)
	if secret == "" {
		apierr.WriteError(ctx, apierr.CodeUnauthorized, "missing API key")
		return nil
	}
	key, ok := g.keys.Lookup(ctx, secret)
	if !ok {
		apierr.WriteError(ctx, apierr.CodeUnauthorized, "unknown API key")
		return nil
	}
	if !key.Has(perm) {
		apierr.WriteError(ctx, apierr.CodeForbidden,
			fmt.Sprintf("API key lacks the %q permission", perm))
		return nil
	}
	return key
}

// admitRequest runs the admission checks and writes the rejection envelope on
// denial. Returns true when the request may proceed.
func (g *Gateway) admitRequest(ctx *fasthttp.RequestCtx, key *auth.ApiKeyContext, estCostUsd float64) bool {
	if g.admit == nil {
		// Key state is still enforced without a controller.
		switch {
		case !key.IsActive:
			apierr.WriteError(ctx, apierr.CodeKeyInactive, "API key is deactivated")
			return false
		case key.Expired(time.Now()):
			apierr.WriteError(ctx, apierr.CodeKeyExpired, "API key has expired")
			return false
		}
		return true
	}

	dec := g.admit.Admit(ctx, key, estCostUsd)
	if g.metrics != nil {
		g.metrics.RecordAdmission(string(dec.Reason))
		if dec.Reason == admission.RateLimitExceeded {
			g.metrics.RecordRateLimit("blocked")
		} else {
			g.metrics.RecordRateLimit("allowed")
		}
	}
	if dec.Allowed {
		return true
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	g.log.WarnContext(ctx, "admission_denied",
		slog.String("request_id", reqID),
		slog.String("api_key_id", key.ID),
		slog.String("reason", string(dec.Reason)),
		slog.String("detail", dec.Detail),
	)

	switch dec.Reason {
	case admission.KeyInactive:
		apierr.WriteError(ctx, apierr.CodeKeyInactive, dec.Detail)
	case admission.KeyExpired:
		apierr.WriteError(ctx, apierr.CodeKeyExpired, dec.Detail)
	case admission.RateLimitExceeded:
		apierr.WriteRateLimit(ctx, int(g.rateLimitWindow/time.Second))
	case admission.BudgetExceeded:
		msg := "spending budget exceeded for this key"
		switch dec.Detail {
		case budget.DeniedDaily:
			msg = "daily spending budget exceeded for this key"
		case budget.DeniedMonthly:
			msg = "monthly spending budget exceeded for this key"
		}
		apierr.WriteError(ctx, apierr.CodeBudgetExceeded, msg)
	default:
		apierr.WriteError(ctx, apierr.CodeInternalError, "admission failed")
	}
	return false
}

// ── Internal request / response types ─────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundChatRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	tokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// chatCompletion is the data payload of a successful POST /chat response.
	// Marshaled bytes of this struct are what the cache stores, so replays
	// are byte-identical to the original response.
	chatCompletion struct {
		ID           string     `json:"id"`
		Model        string     `json:"model"`
		Provider     string     `json:"provider"`
		Content      string     `json:"content"`
		FinishReason string     `json:"finish_reason"`
		Usage        tokenUsage `json:"usage"`
		CostUsd      float64    `json:"cost_usd"`
	}

	// inboundEmbeddingRequest accepts "input" as a bare string or an array of
	// strings, normalised by parseEmbeddingInput.
	inboundEmbeddingRequest struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}

	embeddingVector struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	embeddingResult struct {
		Model   string            `json:"model"`
		Data    []embeddingVector `json:"data"`
		Usage   tokenUsage        `json:"usage"`
		CostUsd float64           `json:"cost_usd"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// writeUpstreamError maps a terminal provider error onto the client error
// code set. An upstream 400 means the provider rejected the request body
// itself, so it surfaces as a validation failure; everything else, including
// provider-side auth failures, is an internal error because the caller
// cannot act on upstream credentials.
func writeUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	var sc providers.StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() == fasthttp.StatusBadRequest {
		apierr.WriteError(ctx, apierr.CodeValidationError,
			fmt.Sprintf("upstream provider rejected the request: %s", err.Error()))
		return
	}
	apierr.WriteError(ctx, apierr.CodeInternalError,
		fmt.Sprintf("upstream provider error: %s", err.Error()))
}

// estimateTokens approximates the token count of text (~4 chars per token),
// never returning less than 1.
func estimateTokens(chars int) int {
	n := chars / charsPerToken
	if n < 1 {
		n = 1
	}
	return n
}

// ── Chat dispatch ─────────────────────────────────────────────────────────────

// dispatchChat handles POST /chat.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat"
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur)
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate and check the write permission.
	key := g.authenticate(ctx, auth.PermissionWrite)
	if key == nil {
		return
	}

	// 2. Parse and validate the request body.
	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteError(ctx, apierr.CodeValidationError,
			fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		apierr.WriteError(ctx, apierr.CodeValidationError, "field 'model' is required")
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteError(ctx, apierr.CodeValidationError, "field 'messages' must not be empty")
		return
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			apierr.WriteError(ctx, apierr.CodeValidationError,
				fmt.Sprintf("messages[%d]: field 'role' is required", i))
			return
		}
	}
	if req.MaxTokens < 0 {
		apierr.WriteError(ctx, apierr.CodeValidationError, "'max_tokens' must not be negative")
		return
	}

	// 3. Resolve the provider from the price table. Unknown models are
	// rejected before any counter is consumed.
	if _, ok := pricing.Lookup(req.Model); !ok {
		apierr.WriteError(ctx, apierr.CodeValidationError,
			fmt.Sprintf("unknown model %q", req.Model))
		return
	}
	providerName := pricing.Provider(req.Model)
	servedProvider = providerName
	prov, ok := g.providers[providerName]
	if !ok {
		apierr.WriteError(ctx, apierr.CodeInternalError,
			fmt.Sprintf("provider %q is not configured", providerName))
		return
	}

	g.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.String("api_key_id", key.ID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Bool("stream", req.Stream),
	)

	// 4. Admission: rate limit and budget, using a conservative cost estimate.
	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	estInputTokens := estimateTokens(promptChars)
	estCost, _ := pricing.EstimateCost(req.Model, estInputTokens, req.MaxTokens)
	if !g.admitRequest(ctx, key, estCost) {
		return
	}

	// 5. Build the normalized request and its fingerprint.
	msgs := make([]providers.Message, len(req.Messages))
	fpMsgs := make([]fingerprint.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
		fpMsgs[i] = fingerprint.Message{Role: m.Role, Content: m.Content}
	}
	provReq := &providers.CompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		APIKeyID:    key.ID,
		RequestID:   reqID,
	}
	fp := fingerprint.Completion(fingerprint.CompletionInput{
		Provider:    providerName,
		Model:       req.Model,
		Messages:    fpMsgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})

	// 6. Cache eligibility — excluded models always go upstream.
	cacheEligible := g.cache != nil && (g.exclusions == nil || !g.exclusions.Excluded(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}

	// 7. Streaming: a cache hit replays the stored completion as a short
	// event stream; a miss relays live chunks and caches the full text
	// once the stream terminates cleanly.
	if req.Stream {
		if cacheEligible {
			if body, ok := g.cache.Get(ctx, fp); ok {
				var cc chatCompletion
				if err := json.Unmarshal(body, &cc); err == nil {
					cacheLabel = "hit"
					cached = true
					inputTokens = cc.Usage.InputTokens
					outputTokens = cc.Usage.OutputTokens
					if g.metrics != nil {
						g.metrics.CacheGetHit()
					}
					g.log.DebugContext(ctx, "cache_hit",
						slog.String("request_id", reqID),
						slog.String("model", req.Model),
					)
					ctx.Response.Header.Set("X-Cache", xCacheHIT)
					replayCachedStream(ctx, &cc)
					return
				}
			}
			if g.metrics != nil {
				g.metrics.CacheGetMiss()
			}
		}
		streaming = true
		g.streamChat(ctx, prov, provReq, key, start, estInputTokens, fp, cacheEligible)
		return
	}

	// 8. Cache lookup.
	if cacheEligible {
		if body, ok := g.cache.Get(ctx, fp); ok {
			cacheLabel = "hit"
			cached = true
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)

			// Best-effort token extraction for metrics.
			var cc chatCompletion
			if err := json.Unmarshal(body, &cc); err == nil {
				inputTokens = cc.Usage.InputTokens
				outputTokens = cc.Usage.OutputTokens
			}

			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			apierr.WriteData(ctx, fasthttp.StatusOK, json.RawMessage(body))
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 9. Upstream call. Concurrent identical cache misses collapse into one
	// upstream request; followers share the leader's result. The leader runs
	// detached from the first caller's context so a follower's cancellation
	// cannot abort the shared call.
	comp, sharedResult, err := g.completeOnce(ctx, fp, prov, provReq, route, cacheEligible)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		writeUpstreamError(ctx, err)
		return
	}

	// 10. Compute the actual cost and settle the ledger. A shared
	// single-flight result was already paid for and recorded by the caller
	// that went upstream, so followers settle nothing.
	cost, costErr := pricing.Cost(req.Model, comp.Usage.InputTokens, comp.Usage.OutputTokens)
	if costErr != nil {
		cost = 0
	}
	if !sharedResult {
		if g.ledger != nil && cost > 0 {
			g.ledger.Charge(ctx, key.ID, cost)
		}
		g.recordUsage(key, providerName, req.Model,
			comp.Usage.InputTokens, comp.Usage.OutputTokens, cost, time.Since(start), false)
		if g.metrics != nil {
			g.metrics.AddSpend(providerName, req.Model, cost)
		}
	}
	inputTokens = comp.Usage.InputTokens
	outputTokens = comp.Usage.OutputTokens

	// 11. Build the response payload and populate the cache.
	out := chatCompletion{
		ID:           comp.ID,
		Model:        comp.Model,
		Provider:     providerName,
		Content:      comp.Content,
		FinishReason: comp.FinishReason,
		Usage: tokenUsage{
			InputTokens:  comp.Usage.InputTokens,
			OutputTokens: comp.Usage.OutputTokens,
			TotalTokens:  comp.Usage.InputTokens + comp.Usage.OutputTokens,
		},
		CostUsd: cost,
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteError(ctx, apierr.CodeInternalError, "failed to serialize response")
		return
	}

	if cacheEligible && !sharedResult {
		if err := g.cache.Put(ctx, fp, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
			g.log.WarnContext(ctx, "cache_put_failed",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	g.log.DebugContext(ctx, "chat_ok",
		slog.String("request_id", reqID),
		slog.String("provider", providerName),
		slog.String("model", comp.Model),
		slog.Int("input_tokens", comp.Usage.InputTokens),
		slog.Int("output_tokens", comp.Usage.OutputTokens),
		slog.Float64("cost_usd", cost),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	apierr.WriteData(ctx, fasthttp.StatusOK, json.RawMessage(body))
}

// completeOnce performs the upstream completion, deduplicating concurrent
// identical requests through singleflight when the result is cacheable.
// shared reports whether the result came from another caller's upstream
// call; only the caller that paid upstream settles the ledger.
func (g *Gateway) completeOnce(
	ctx *fasthttp.RequestCtx,
	fp string,
	prov providers.Provider,
	provReq *providers.CompletionRequest,
	route string,
	dedupe bool,
) (comp *providers.Completion, shared bool, err error) {
	call := func(callCtx context.Context) (*providers.Completion, error) {
		provCtx, cancel := context.WithTimeout(callCtx, g.providerTimeout)
		defer cancel()

		upStart := time.Now()
		comp, err := providers.CompleteWithRetry(provCtx, prov, provReq, g.maxRetries)
		if g.metrics != nil {
			outcome := "success"
			if err != nil {
				outcome = providers.ClassifyError(err)
				g.metrics.RecordError(prov.Name(), outcome)
			}
			g.metrics.ObserveUpstreamAttempt(prov.Name(), route, outcome, time.Since(upStart))
		}
		return comp, err
	}

	if !dedupe {
		c, err := call(ctx)
		return c, false, err
	}

	v, err, shared := g.flight.Do(fp, func() (any, error) {
		return call(context.WithoutCancel(ctx))
	})
	if g.metrics != nil {
		if shared {
			g.metrics.RecordSingleflightShared()
		} else {
			g.metrics.RecordSingleflightLeader()
		}
	}
	if err != nil {
		return nil, shared, err
	}
	return v.(*providers.Completion), shared, nil
}

// embedOnce performs the upstream embedding call with the same single-flight
// dedup and shared-result semantics as completeOnce.
func (g *Gateway) embedOnce(
	ctx *fasthttp.RequestCtx,
	fp string,
	embedder providers.EmbeddingProvider,
	providerName string,
	embReq *providers.EmbeddingRequest,
	route string,
	dedupe bool,
) (resp *providers.EmbeddingResponse, shared bool, err error) {
	call := func(callCtx context.Context) (*providers.EmbeddingResponse, error) {
		provCtx, cancel := context.WithTimeout(callCtx, g.providerTimeout)
		defer cancel()

		upStart := time.Now()
		resp, err := embedder.Embed(provCtx, embReq)
		if g.metrics != nil {
			outcome := "success"
			if err != nil {
				outcome = providers.ClassifyError(err)
				g.metrics.RecordError(providerName, outcome)
			}
			g.metrics.ObserveUpstreamAttempt(providerName, route, outcome, time.Since(upStart))
		}
		return resp, err
	}

	if !dedupe {
		r, err := call(ctx)
		return r, false, err
	}

	v, err, shared := g.flight.Do(fp, func() (any, error) {
		return call(context.WithoutCancel(ctx))
	})
	if g.metrics != nil {
		if shared {
			g.metrics.RecordSingleflightShared()
		} else {
			g.metrics.RecordSingleflightLeader()
		}
	}
	if err != nil {
		return nil, shared, err
	}
	return v.(*providers.EmbeddingResponse), shared, nil
}

// ── Streaming ─────────────────────────────────────────────────────────────────

// replayCachedStream serves a cached completion to a streaming caller as a
// single content event followed by the end marker.
func replayCachedStream(ctx *fasthttp.RequestCtx, cc *chatCompletion) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	event := map[string]any{
		"content": cc.Content,
		"finish_reason": func() any {
			if cc.FinishReason != "" {
				return cc.FinishReason
			}
			return nil
		}(),
	}
	data, _ := json.Marshal(event)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		fmt.Fprintf(w, "data: %s\n\n", data)
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
	})
}

// streamChat relays a streaming completion as Server-Sent Events. Metrics,
// ledger charge, the cache write, and the usage record are finalised when
// the stream drains, because token counts are unknown until then. Partial
// streams (upstream error, client disconnect) are charged but never cached.
func (g *Gateway) streamChat(
	ctx *fasthttp.RequestCtx,
	prov providers.Provider,
	provReq *providers.CompletionRequest,
	key *auth.ApiKeyContext,
	start time.Time,
	estInputTokens int,
	fp string,
	cacheEligible bool,
) {
	reqID := provReq.RequestID
	providerName := prov.Name()
	route := "chat"
	cacheLabel := "bypass"
	if cacheEligible {
		cacheLabel = "miss"
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	stream, err := prov.StreamComplete(provCtx, provReq)
	if err != nil {
		cancel()
		g.log.ErrorContext(ctx, "stream_start_error",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
		)
		writeUpstreamError(ctx, err)
		if g.metrics != nil {
			g.metrics.RecordError(providerName, providers.ClassifyError(err))
			g.metrics.RecordStream(providerName, "error")
			g.metrics.DecInFlight()
			dur := time.Since(start)
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur)
			g.metrics.ObserveGatewayRequest(providerName, route, cacheLabel, dur)
		}
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	model := provReq.Model
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		outcome := "completed"
		outputChars := 0
		finishReason := ""
		var content strings.Builder
		var finalUsage *providers.Usage

		for chunk := range stream {
			if chunk.Err != nil {
				outcome = "error"
				event := map[string]any{
					"error": map[string]string{
						"code":    apierr.CodeInternalError,
						"message": chunk.Err.Error(),
					},
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "data: %s\n\n", data)
				w.Flush() //nolint:errcheck
				break
			}

			outputChars += len(chunk.Content)
			content.WriteString(chunk.Content)
			if chunk.FinishReason != "" {
				finishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				finalUsage = chunk.Usage
			}

			event := map[string]any{
				"content": chunk.Content,
				"finish_reason": func() any {
					if chunk.FinishReason != "" {
						return chunk.FinishReason
					}
					return nil
				}(),
			}
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				// Client went away; keep draining so the upstream goroutine
				// can exit, but stop writing.
				outcome = "disconnected"
				for range stream {
				}
				break
			}
		}

		if outcome == "completed" {
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}

		// Exact counts when the upstream reported them, chars/4 otherwise.
		in, out := estInputTokens, estimateTokens(outputChars)
		if finalUsage != nil {
			in, out = finalUsage.InputTokens, finalUsage.OutputTokens
		}

		cost, costErr := pricing.Cost(model, in, out)
		if costErr != nil {
			cost = 0
		}
		if g.ledger != nil && cost > 0 {
			g.ledger.Charge(g.baseCtx, key.ID, cost)
		}
		g.recordUsage(key, providerName, model, in, out, cost, time.Since(start), true)

		// Only complete streams are cached; partial text is never stored.
		if outcome == "completed" && cacheEligible {
			body, merr := json.Marshal(chatCompletion{
				Model:        model,
				Provider:     providerName,
				Content:      content.String(),
				FinishReason: finishReason,
				Usage:        tokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
				CostUsd:      cost,
			})
			if merr == nil {
				if err := g.cache.Put(g.baseCtx, fp, body, g.cacheTTL); err != nil {
					if g.metrics != nil {
						g.metrics.CacheSetError()
					}
					g.log.WarnContext(g.baseCtx, "cache_put_failed",
						slog.String("request_id", reqID),
						slog.String("error", err.Error()),
					)
				} else if g.metrics != nil {
					g.metrics.CacheSetOK()
				}
			}
		}

		if g.metrics != nil {
			dur := time.Since(start)
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur)
			g.metrics.ObserveGatewayRequest(providerName, route, cacheLabel, dur)
			g.metrics.AddTokens(providerName, route, in, out, false)
			g.metrics.AddSpend(providerName, model, cost)
			g.metrics.RecordStream(providerName, outcome)
		}

		g.log.InfoContext(g.baseCtx, "stream_done",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("model", model),
			slog.String("outcome", outcome),
			slog.Int("input_tokens", in),
			slog.Int("output_tokens", out),
			slog.Float64("cost_usd", cost),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// ── Embeddings dispatch ───────────────────────────────────────────────────────

// dispatchEmbeddings handles POST /embeddings. Same admission and caching
// contract as chat; embeddings never stream.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens := 0
	cached := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur)
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, 0, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	key := g.authenticate(ctx, auth.PermissionWrite)
	if key == nil {
		return
	}

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteError(ctx, apierr.CodeValidationError,
			fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		apierr.WriteError(ctx, apierr.CodeValidationError, "field 'model' is required")
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.WriteError(ctx, apierr.CodeValidationError, err.Error())
		return
	}

	if _, ok := pricing.Lookup(req.Model); !ok {
		apierr.WriteError(ctx, apierr.CodeValidationError,
			fmt.Sprintf("unknown model %q", req.Model))
		return
	}
	providerName := pricing.Provider(req.Model)
	servedProvider = providerName
	prov, ok := g.providers[providerName]
	if !ok {
		apierr.WriteError(ctx, apierr.CodeInternalError,
			fmt.Sprintf("provider %q is not configured", providerName))
		return
	}
	embedder, ok := prov.(providers.EmbeddingProvider)
	if !ok {
		apierr.WriteError(ctx, apierr.CodeValidationError,
			fmt.Sprintf("provider %q does not support embeddings", providerName))
		return
	}

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("api_key_id", key.ID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Int("inputs", len(inputs)),
	)

	// Embedding output is never billed, so the estimate is input-only.
	totalChars := 0
	for _, in := range inputs {
		totalChars += len(in)
	}
	estCost, _ := pricing.Cost(req.Model, estimateTokens(totalChars), 0)
	if !g.admitRequest(ctx, key, estCost) {
		return
	}

	fp := fingerprint.Embedding(fingerprint.EmbeddingInput{
		Provider: providerName,
		Model:    req.Model,
		Inputs:   inputs,
	})

	cacheEligible := g.cache != nil && (g.exclusions == nil || !g.exclusions.Excluded(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		if body, ok := g.cache.Get(ctx, fp); ok {
			cacheLabel = "hit"
			cached = true
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			var er embeddingResult
			if err := json.Unmarshal(body, &er); err == nil {
				inputTokens = er.Usage.InputTokens
			}
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			apierr.WriteData(ctx, fasthttp.StatusOK, json.RawMessage(body))
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	embReq := &providers.EmbeddingRequest{
		Inputs:    inputs,
		Model:     req.Model,
		APIKeyID:  key.ID,
		RequestID: reqID,
	}
	embResp, sharedResult, err := g.embedOnce(ctx, fp, embedder, providerName, embReq, route, cacheEligible)
	if err != nil {
		g.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		writeUpstreamError(ctx, err)
		return
	}

	cost, costErr := pricing.Cost(req.Model, embResp.Usage.InputTokens, 0)
	if costErr != nil {
		cost = 0
	}
	if !sharedResult {
		if g.ledger != nil && cost > 0 {
			g.ledger.Charge(ctx, key.ID, cost)
		}
		g.recordUsage(key, providerName, req.Model,
			embResp.Usage.InputTokens, 0, cost, time.Since(start), false)
		if g.metrics != nil {
			g.metrics.AddSpend(providerName, req.Model, cost)
		}
	}
	inputTokens = embResp.Usage.InputTokens

	vectors := make([]embeddingVector, len(embResp.Data))
	for i, d := range embResp.Data {
		vectors[i] = embeddingVector{Index: d.Index, Embedding: d.Embedding}
	}
	out := embeddingResult{
		Model: embResp.Model,
		Data:  vectors,
		Usage: tokenUsage{
			InputTokens: embResp.Usage.InputTokens,
			TotalTokens: embResp.Usage.InputTokens,
		},
		CostUsd: cost,
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteError(ctx, apierr.CodeInternalError, "failed to serialize response")
		return
	}

	if cacheEligible && !sharedResult {
		if err := g.cache.Put(ctx, fp, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	g.log.DebugContext(ctx, "embedding_ok",
		slog.String("request_id", reqID),
		slog.String("provider", providerName),
		slog.String("model", embResp.Model),
		slog.Int("vectors", len(embResp.Data)),
		slog.Int("input_tokens", embResp.Usage.InputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	apierr.WriteData(ctx, fasthttp.StatusOK, json.RawMessage(body))
}

// ── Models listing ────────────────────────────────────────────────────────────

// dispatchModels handles GET /models: the price table with inferred providers.
func (g *Gateway) dispatchModels(ctx *fasthttp.RequestCtx) {
	start := time.Now()

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("models", ctx.Response.StatusCode(), time.Since(start))
	}()

	key := g.authenticate(ctx, auth.PermissionRead)
	if key == nil {
		return
	}

	apierr.WriteData(ctx, fasthttp.StatusOK, pricing.List())
}

// recordUsage enqueues one usage record. Never blocks; drops on a full queue.
func (g *Gateway) recordUsage(
	key *auth.ApiKeyContext,
	provider, model string,
	inputTokens, outputTokens int,
	costUsd float64,
	latency time.Duration,
	streamed bool,
) {
	if g.usage == nil {
		return
	}
	ms := latency.Milliseconds()
	if ms > math.MaxUint32 {
		ms = math.MaxUint32
	}
	g.usage.RecordUsage(usage.Record{
		ApiKeyID:     key.ID,
		ProjectID:    key.ProjectID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		CostUsd:      costUsd,
		LatencyMs:    uint32(ms),
		Streamed:     streamed,
	})
}
