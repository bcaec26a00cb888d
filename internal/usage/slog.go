package usage

import (
	"context"
	"log/slog"
	"os"
)

// SlogSink emits each usage record as one structured log line. This is the
// default sink; deployments with an analytics store use ClickHouseSink.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a SlogSink. log may be nil, in which case a JSON
// handler on stdout is used.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) WriteBatch(ctx context.Context, records []Record) error {
	for _, r := range records {
		s.log.InfoContext(ctx, "usage",
			slog.String("id", r.ID.String()),
			slog.String("api_key_id", r.ApiKeyID),
			slog.String("project_id", r.ProjectID),
			slog.String("provider", r.Provider),
			slog.String("model", r.Model),
			slog.Uint64("input_tokens", uint64(r.InputTokens)),
			slog.Uint64("output_tokens", uint64(r.OutputTokens)),
			slog.Float64("cost_usd", r.CostUsd),
			slog.Uint64("latency_ms", uint64(r.LatencyMs)),
			slog.Bool("streamed", r.Streamed),
			slog.Time("created_at", r.CreatedAt),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
