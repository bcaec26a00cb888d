// Command providers runs the mock upstream servers from mock/upstream as
// standalone HTTP listeners, for E2E and load testing the gateway without
// real provider credentials.
//
// Each provider listens on its own port. The OpenAI server also stands in
// for the OpenAI-compatible hosts (xAI, DeepSeek, Groq) via *_BASE_URL
// overrides:
//
//	OpenAI / OpenAI-compat  :19001
//	Anthropic               :19002
//	Gemini                  :19003
//
// Ports can be overridden with PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI.
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS   artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_REPLY_WORDS  words per generated completion (default 10)
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/tessellate-io/ai-gateway/mock/upstream"
)

func optionsFromEnv() upstream.Options {
	var o upstream.Options
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			o.Latency = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			o.FailureRate = f
		}
	}
	if v := os.Getenv("MOCK_REPLY_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			o.ReplyWords = n
		}
	}
	return o
}

func port(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func serve(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock upstream listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	opts := optionsFromEnv()

	log.Info("starting mock upstreams",
		slog.Duration("latency", opts.Latency),
		slog.Float64("error_rate", opts.FailureRate),
		slog.Int("reply_words", opts.ReplyWords),
	)

	servers := []*http.Server{
		serve("openai", ":"+port("PORT_OPENAI", "19001"), upstream.OpenAI(opts), log),
		serve("anthropic", ":"+port("PORT_ANTHROPIC", "19002"), upstream.Anthropic(opts), log),
		serve("gemini", ":"+port("PORT_GEMINI", "19003"), upstream.Gemini(opts), log),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstreams")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock upstreams stopped")
}
