package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tessellate-io/ai-gateway/internal/admission"
	"github.com/tessellate-io/ai-gateway/internal/auth"
	"github.com/tessellate-io/ai-gateway/internal/budget"
	"github.com/tessellate-io/ai-gateway/internal/cache"
	"github.com/tessellate-io/ai-gateway/internal/fingerprint"
	"github.com/tessellate-io/ai-gateway/internal/pricing"
	"github.com/tessellate-io/ai-gateway/internal/providers"
	"github.com/tessellate-io/ai-gateway/internal/ratelimit"
	"github.com/tessellate-io/ai-gateway/internal/usage"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// --- helpers ----------------------------------------------------------------

const testSecret = "sk-test"

type providerError struct {
	status int
	msg    string
}

func (e *providerError) Error() string   { return e.msg }
func (e *providerError) HTTPStatus() int { return e.status }

// funcProvider is a Provider whose behaviour is supplied per-test.
type funcProvider struct {
	name       string
	completeFn func(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error)
	streamFn   func(ctx context.Context, req *providers.CompletionRequest) (<-chan providers.StreamChunk, error)
	embedFn    func(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
}

func (p *funcProvider) Name() string { return p.name }

func (p *funcProvider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	if p.completeFn == nil {
		return &providers.Completion{
			ID:           "resp-" + req.RequestID,
			Model:        req.Model,
			Content:      "hello from " + p.name,
			FinishReason: "stop",
			Usage:        providers.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
	return p.completeFn(ctx, req)
}

func (p *funcProvider) StreamComplete(ctx context.Context, req *providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	if p.streamFn == nil {
		ch := make(chan providers.StreamChunk, 1)
		ch <- providers.StreamChunk{FinishReason: "stop"}
		close(ch)
		return ch, nil
	}
	return p.streamFn(ctx, req)
}

func (p *funcProvider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if p.embedFn == nil {
		data := make([]providers.EmbeddingData, len(req.Inputs))
		for i := range req.Inputs {
			data[i] = providers.EmbeddingData{Index: i, Embedding: []float32{0.1, 0.2}}
		}
		return &providers.EmbeddingResponse{
			Model: req.Model,
			Data:  data,
			Usage: providers.Usage{InputTokens: 4},
		}, nil
	}
	return p.embedFn(ctx, req)
}

func okProvider(name string) *funcProvider { return &funcProvider{name: name} }

// stubKeys is an in-memory KeyStore with one write-capable key.
type stubKeys struct {
	keys map[string]*auth.ApiKeyContext
}

func (s *stubKeys) Lookup(_ context.Context, secret string) (*auth.ApiKeyContext, bool) {
	k, ok := s.keys[secret]
	return k, ok
}

func testKeyStore() *stubKeys {
	return &stubKeys{keys: map[string]*auth.ApiKeyContext{
		testSecret: {
			ID:        "key-1",
			ProjectID: "proj-1",
			Permissions: map[auth.Permission]struct{}{
				auth.PermissionRead:  {},
				auth.PermissionWrite: {},
			},
			IsActive: true,
		},
	}}
}

func newTestGateway(t *testing.T, provs map[string]providers.Provider, opts GatewayOptions) *Gateway {
	t.Helper()
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 1 // keep failing tests fast
	}
	return NewGateway(context.Background(), provs, testKeyStore(), opts)
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline. Returns an HTTP client that routes to
// it, and a cleanup function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

// doPost sends an authenticated POST via the in-memory listener client.
func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// envelope mirrors the response wrapper for assertions.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseEnvelope(t *testing.T, body []byte) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("failed to parse envelope: %v: %s", err, body)
	}
	return env
}

const chatBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`

// --- NewGateway tests -------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGateway(nil, nil, testKeyStore(), GatewayOptions{})
}

func TestNewGateway_PanicsOnNilKeyStore(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil key store")
		}
	}()
	NewGateway(context.Background(), nil, nil, GatewayOptions{})
}

// --- authentication ----------------------------------------------------------

func TestDispatchChat_MissingKey(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	req, _ := http.NewRequest("POST", "http://test/chat", bytes.NewReader([]byte(chatBody)))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	env := parseEnvelope(t, body)
	if env.Success || env.Error.Code != "UNAUTHORIZED" {
		t.Errorf("expected UNAUTHORIZED envelope, got %+v", env)
	}
}

func TestDispatchChat_UnknownKey(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	req, _ := http.NewRequest("POST", "http://test/chat", bytes.NewReader([]byte(chatBody)))
	req.Header.Set("X-API-Key", "sk-wrong")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if env := parseEnvelope(t, body); env.Error.Code != "UNAUTHORIZED" {
		t.Errorf("expected UNAUTHORIZED, got %s", env.Error.Code)
	}
}

func TestDispatchChat_MissingWritePermission(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, GatewayOptions{})
	gw.keys = &stubKeys{keys: map[string]*auth.ApiKeyContext{
		testSecret: {
			ID:          "key-ro",
			Permissions: map[auth.Permission]struct{}{auth.PermissionRead: {}},
			IsActive:    true,
		},
	}}
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/chat", []byte(chatBody))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if env := parseEnvelope(t, body); env.Error.Code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %s", env.Error.Code)
	}
}

func TestDispatchChat_InactiveKey(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, GatewayOptions{})
	gw.keys = &stubKeys{keys: map[string]*auth.ApiKeyContext{
		testSecret: {
			ID:          "key-off",
			Permissions: map[auth.Permission]struct{}{auth.PermissionWrite: {}},
			IsActive:    false,
		},
	}}
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/chat", []byte(chatBody))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if env := parseEnvelope(t, body); env.Error.Code != "KEY_INACTIVE" {
		t.Errorf("expected KEY_INACTIVE, got %s", env.Error.Code)
	}
}

// --- validation ---------------------------------------------------------------

func TestDispatchChat_InvalidJSON(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/chat", []byte(`{invalid`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if env := parseEnvelope(t, body); env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", env.Error.Code)
	}
}

func TestDispatchChat_MissingModel(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/chat", []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	env := parseEnvelope(t, body)
	if !bytes.Contains([]byte(env.Error.Message), []byte("model")) {
		t.Errorf("error should mention 'model', got %q", env.Error.Message)
	}
}

func TestDispatchChat_UnknownModel(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/chat",
		[]byte(`{"model":"made-up-9000","messages":[{"role":"user","content":"hi"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if env := parseEnvelope(t, body); env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", env.Error.Code)
	}
}

// --- success path -------------------------------------------------------------

func TestDispatchChat_Success(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/chat", []byte(chatBody))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	env := parseEnvelope(t, body)
	if !env.Success {
		t.Fatalf("expected success envelope, got %s", body)
	}

	var cc chatCompletion
	if err := json.Unmarshal(env.Data, &cc); err != nil {
		t.Fatalf("failed to parse data: %v", err)
	}
	if cc.Provider != "openai" {
		t.Errorf("expected provider=openai, got %s", cc.Provider)
	}
	if cc.FinishReason != "stop" {
		t.Errorf("expected finish_reason=stop, got %s", cc.FinishReason)
	}
	if cc.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens=15, got %d", cc.Usage.TotalTokens)
	}
	if cc.CostUsd <= 0 {
		t.Errorf("expected positive cost, got %f", cc.CostUsd)
	}
	if resp.Header.Get("X-Cache") != xCacheMISS {
		t.Error("expected X-Cache=MISS on first request")
	}
}

// --- caching ------------------------------------------------------------------

func TestDispatchChat_CacheHit(t *testing.T) {
	mc := cache.NewMemoryCache(context.Background(), 1<<20)
	defer mc.Close()
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")},
		GatewayOptions{Cache: mc})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	reqBody := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"cached"}]}`)

	resp1 := doPost(t, client, "/chat", reqBody)
	body1 := readBody(t, resp1)
	if resp1.Header.Get("X-Cache") != xCacheMISS {
		t.Error("first request should be a cache MISS")
	}

	resp2 := doPost(t, client, "/chat", reqBody)
	body2 := readBody(t, resp2)
	if resp2.Header.Get("X-Cache") != xCacheHIT {
		t.Error("second request should be a cache HIT")
	}
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on cache hit, got %d", resp2.StatusCode)
	}
	if !bytes.Equal(parseEnvelope(t, body1).Data, parseEnvelope(t, body2).Data) {
		t.Error("cached replay should be byte-identical to the original payload")
	}
}

func TestDispatchChat_CacheExcludedModel(t *testing.T) {
	mc := cache.NewMemoryCache(context.Background(), 1<<20)
	defer mc.Close()
	ex, err := cache.CompileExclusions([]string{"gpt-4o"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")},
		GatewayOptions{Cache: mc, CacheExclusions: ex})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	reqBody := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"no-cache"}]}`)

	resp1 := doPost(t, client, "/chat", reqBody)
	readBody(t, resp1)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp1.StatusCode)
	}

	resp2 := doPost(t, client, "/chat", reqBody)
	readBody(t, resp2)
	if resp2.Header.Get("X-Cache") == xCacheHIT {
		t.Error("excluded model should never produce a cache HIT")
	}
}

// --- single-flight ------------------------------------------------------------

func TestDispatchChat_SingleFlight(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	slow := &funcProvider{
		name: "openai",
		completeFn: func(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
			calls.Add(1)
			<-release
			return &providers.Completion{
				ID: "resp-1", Model: req.Model, Content: "ok", FinishReason: "stop",
				Usage: providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
	mc := cache.NewMemoryCache(context.Background(), 1<<20)
	defer mc.Close()
	ledger := budget.NewLedger(budget.NewMemoryStore(), nil)
	sink := &captureSink{}
	rec, err := usage.NewRecorder(context.Background(), sink)
	if err != nil {
		t.Fatal(err)
	}
	gw := newTestGateway(t, map[string]providers.Provider{"openai": slow},
		GatewayOptions{Cache: mc, Ledger: ledger, Usage: rec})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	const n = 4
	var wg sync.WaitGroup
	statuses := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := doPost(t, client, "/chat", []byte(chatBody))
			readBody(t, resp)
			statuses[i] = resp.StatusCode
		}(i)
	}

	// Let every request reach the deduplication point before the leader
	// finishes.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", got)
	}
	for i, s := range statuses {
		if s != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, s)
		}
	}

	// One upstream call must charge the ledger exactly once, no matter how
	// many waiters shared its result.
	wantCost, err := pricing.Cost("gpt-4o", 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	day, month, err := ledger.Spend(context.Background(), "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(day-wantCost) > 1e-12 {
		t.Errorf("day spend: want %.9f (one charge), got %.9f", wantCost, day)
	}
	if math.Abs(month-wantCost) > 1e-12 {
		t.Errorf("month spend: want %.9f (one charge), got %.9f", wantCost, month)
	}

	// Likewise exactly one usage record.
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
	if got := sink.count(); got != 1 {
		t.Errorf("expected 1 usage record for a shared upstream call, got %d", got)
	}
}

// captureSink collects usage records for inspection.
type captureSink struct {
	mu      sync.Mutex
	records []usage.Record
}

func (s *captureSink) WriteBatch(_ context.Context, records []usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// --- admission ----------------------------------------------------------------

func TestDispatchChat_RateLimit(t *testing.T) {
	ctrl := admission.NewController(ratelimit.NewMemoryLimiter(), nil, admission.Defaults{
		RateLimitPerWindow: 1,
		RateLimitWindow:    time.Minute,
	})
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")},
		GatewayOptions{Admission: ctrl, RateLimitWindow: time.Minute})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp1 := doPost(t, client, "/chat", []byte(chatBody))
	readBody(t, resp1)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", resp1.StatusCode)
	}

	resp2 := doPost(t, client, "/chat", []byte(chatBody))
	body := readBody(t, resp2)
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", resp2.StatusCode)
	}
	if env := parseEnvelope(t, body); env.Error.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("expected RATE_LIMIT_EXCEEDED, got %s", env.Error.Code)
	}
	if resp2.Header.Get("Retry-After") == "" {
		t.Error("expected a Retry-After hint on rate-limit rejection")
	}
}

func TestDispatchChat_BudgetExceeded(t *testing.T) {
	capUsd := 0.000001
	ledger := budget.NewLedger(budget.NewMemoryStore(), nil)
	ctrl := admission.NewController(nil, ledger, admission.Defaults{DailyBudgetUsd: &capUsd})
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")},
		GatewayOptions{Admission: ctrl, Ledger: ledger})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/chat", []byte(chatBody))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if env := parseEnvelope(t, body); env.Error.Code != "BUDGET_EXCEEDED" {
		t.Errorf("expected BUDGET_EXCEEDED, got %s", env.Error.Code)
	}
}

// --- upstream errors ----------------------------------------------------------

func TestDispatchChat_ProviderError(t *testing.T) {
	failing := &funcProvider{
		name: "openai",
		completeFn: func(_ context.Context, _ *providers.CompletionRequest) (*providers.Completion, error) {
			return nil, &providerError{status: 503, msg: "service unavailable"}
		},
	}
	gw := newTestGateway(t, map[string]providers.Provider{"openai": failing}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/chat", []byte(chatBody))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if env := parseEnvelope(t, body); env.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("expected INTERNAL_ERROR, got %s", env.Error.Code)
	}
}

func TestDispatchChat_ProviderBadRequest(t *testing.T) {
	var calls atomic.Int64
	rejecting := &funcProvider{
		name: "openai",
		completeFn: func(_ context.Context, _ *providers.CompletionRequest) (*providers.Completion, error) {
			calls.Add(1)
			return nil, &providerError{status: 400, msg: "prompt too long"}
		},
	}
	gw := newTestGateway(t, map[string]providers.Provider{"openai": rejecting},
		GatewayOptions{MaxRetries: 3})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/chat", []byte(chatBody))
	body := readBody(t, resp)

	// An upstream 400 is not transient: no retries, surfaced as a
	// validation failure.
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 upstream attempt for a 400, got %d", got)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, body)
	}
	if env := parseEnvelope(t, body); env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", env.Error.Code)
	}
}

// --- streaming ----------------------------------------------------------------

func TestDispatchChat_StreamingResponse(t *testing.T) {
	streamProv := &funcProvider{
		name: "openai",
		streamFn: func(_ context.Context, _ *providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
			ch := make(chan providers.StreamChunk, 3)
			ch <- providers.StreamChunk{Content: "hello "}
			ch <- providers.StreamChunk{Content: "world"}
			ch <- providers.StreamChunk{FinishReason: "stop", Usage: &providers.Usage{InputTokens: 3, OutputTokens: 2}}
			close(ch)
			return ch, nil
		},
	}
	gw := newTestGateway(t, map[string]providers.Provider{"openai": streamProv}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/chat",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"stream"}],"stream":true}`))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !bytes.Contains([]byte(ct), []byte("text/event-stream")) {
		t.Errorf("expected text/event-stream content type, got %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 5 && line[:5] == "data:" {
			dataLines = append(dataLines, line[6:])
		}
	}

	if len(dataLines) < 2 {
		t.Fatalf("expected multiple data lines in SSE stream, got %d", len(dataLines))
	}
	if last := dataLines[len(dataLines)-1]; last != "[DONE]" {
		t.Errorf("expected last SSE line to be [DONE], got %q", last)
	}

	var first struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(dataLines[0]), &first); err != nil {
		t.Fatalf("failed to parse first chunk: %v", err)
	}
	if first.Content != "hello " {
		t.Errorf("expected first chunk content %q, got %q", "hello ", first.Content)
	}
}

func TestDispatchChat_StreamingPopulatesCache(t *testing.T) {
	streamProv := &funcProvider{
		name: "openai",
		streamFn: func(_ context.Context, _ *providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
			ch := make(chan providers.StreamChunk, 3)
			ch <- providers.StreamChunk{Content: "hello "}
			ch <- providers.StreamChunk{Content: "world"}
			ch <- providers.StreamChunk{FinishReason: "stop", Usage: &providers.Usage{InputTokens: 3, OutputTokens: 2}}
			close(ch)
			return ch, nil
		},
	}
	mc := cache.NewMemoryCache(context.Background(), 1<<20)
	defer mc.Close()
	gw := newTestGateway(t, map[string]providers.Provider{"openai": streamProv},
		GatewayOptions{Cache: mc})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/chat",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"stream"}],"stream":true}`))
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// The cache write happens in the stream writer after the [DONE] marker
	// is flushed, so poll briefly for the entry to appear.
	fp := fingerprint.Completion(fingerprint.CompletionInput{
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: []fingerprint.Message{{Role: "user", Content: "stream"}},
	})
	deadline := time.Now().Add(2 * time.Second)
	var body []byte
	for {
		if b, ok := mc.Get(context.Background(), fp); ok {
			body = b
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("completed stream was not written to the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var cc chatCompletion
	if err := json.Unmarshal(body, &cc); err != nil {
		t.Fatalf("failed to parse cached payload: %v", err)
	}
	if cc.Content != "hello world" {
		t.Errorf("expected cached content %q, got %q", "hello world", cc.Content)
	}
	if cc.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %q", cc.FinishReason)
	}
	if cc.Usage.InputTokens != 3 || cc.Usage.OutputTokens != 2 {
		t.Errorf("expected usage 3/2, got %d/%d", cc.Usage.InputTokens, cc.Usage.OutputTokens)
	}

	// A streaming caller with the same fingerprint is now served from cache
	// as a single event.
	resp2 := doPost(t, client, "/chat",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"stream"}],"stream":true}`))
	defer resp2.Body.Close()
	if got := resp2.Header.Get("X-Cache"); got != xCacheHIT {
		t.Errorf("expected X-Cache HIT on replay, got %q", got)
	}
	raw, err := io.ReadAll(resp2.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte(`"content":"hello world"`)) {
		t.Errorf("expected replayed stream to carry the full content, got %s", raw)
	}
	if !bytes.Contains(raw, []byte("data: [DONE]")) {
		t.Errorf("expected replayed stream to end with [DONE], got %s", raw)
	}
}

// --- embeddings ---------------------------------------------------------------

func TestDispatchEmbeddings_Success(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/embeddings",
		[]byte(`{"model":"text-embedding-3-small","input":"hello world"}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	env := parseEnvelope(t, body)
	var er embeddingResult
	if err := json.Unmarshal(env.Data, &er); err != nil {
		t.Fatalf("failed to parse data: %v", err)
	}
	if len(er.Data) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(er.Data))
	}
	if er.Usage.InputTokens != 4 {
		t.Errorf("expected input_tokens=4, got %d", er.Usage.InputTokens)
	}
}

func TestDispatchEmbeddings_InputArray(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/embeddings",
		[]byte(`{"model":"text-embedding-3-small","input":["a","b","c"]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	env := parseEnvelope(t, body)
	var er embeddingResult
	if err := json.Unmarshal(env.Data, &er); err != nil {
		t.Fatal(err)
	}
	if len(er.Data) != 3 {
		t.Errorf("expected 3 vectors, got %d", len(er.Data))
	}
}

func TestDispatchEmbeddings_EmptyInput(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/embeddings",
		[]byte(`{"model":"text-embedding-3-small","input":[]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if env := parseEnvelope(t, body); env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", env.Error.Code)
	}
}

// --- models -------------------------------------------------------------------

func TestDispatchModels(t *testing.T) {
	gw := newTestGateway(t, nil, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	req, _ := http.NewRequest("GET", "http://test/models", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	env := parseEnvelope(t, body)
	var models []struct {
		Model    string `json:"model"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(env.Data, &models); err != nil {
		t.Fatal(err)
	}
	if len(models) == 0 {
		t.Fatal("expected a non-empty model list")
	}
	for _, m := range models {
		if m.Model == "" || m.Provider == "" {
			t.Errorf("entry missing model or provider: %+v", m)
		}
	}
}

func TestDispatchModels_Unauthenticated(t *testing.T) {
	gw := newTestGateway(t, nil, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	req, _ := http.NewRequest("GET", "http://test/models", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

// --- parseEmbeddingInput ------------------------------------------------------

func TestParseEmbeddingInput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"bare string", `"hello"`, 1, false},
		{"array", `["a","b"]`, 2, false},
		{"empty string", `""`, 0, true},
		{"empty array", `[]`, 0, true},
		{"missing", ``, 0, true},
		{"wrong type", `42`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEmbeddingInput(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if err == nil && len(got) != tt.want {
				t.Errorf("expected %d inputs, got %d", tt.want, len(got))
			}
		})
	}
}
