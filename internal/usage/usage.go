// Package usage implements non-blocking, batched usage recording.
//
// Every settled upstream call produces one Record. Records are written to an
// internal buffered channel and flushed to a Sink in batches by a background
// goroutine, so recording never blocks the proxy hot path. If the channel
// fills up (> 10 000 records), new records are dropped and counted in
// Dropped.
package usage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Record is one settled upstream call attributed to an API key.
type Record struct {
	ID           uuid.UUID
	ApiKeyID     string
	ProjectID    string
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	CostUsd      float64
	LatencyMs    uint32
	Streamed     bool
	CreatedAt    time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single goroutine only.
type Sink interface {
	WriteBatch(ctx context.Context, records []Record) error
	Close() error
}

// Recorder buffers records and flushes them to its sink in the background.
type Recorder struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    Sink
}

// NewRecorder starts the flush goroutine. ctx bounds sink writes during
// flushes; sink must not be nil.
func NewRecorder(ctx context.Context, sink Sink) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usage: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("usage: sink must not be nil")
	}

	r := &Recorder{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// RecordUsage enqueues one record. Never blocks; drops when the buffer is
// full. Zero ID and CreatedAt are filled in.
func (r *Recorder) RecordUsage(rec Record) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	} else {
		rec.CreatedAt = rec.CreatedAt.UTC()
	}

	select {
	case r.ch <- rec:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns the number of records discarded due to a full buffer.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close drains the buffer, flushes the final batch, and closes the sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Flush errors are swallowed here; sinks log their own failures.
		_ = r.sink.WriteBatch(r.baseCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
