// Package ingest feeds incoming samples into storage. The Batcher accumulates
// envelopes from any transport behind a bounded buffer and flushes them to
// the storage engine when a size threshold or a flush interval is reached,
// whichever comes first. Acknowledgement is uniform per flush: the envelopes
// of a committed batch are all acked, those of a failed batch all nacked for
// redelivery. That keeps at-least-once semantics without tracking which row
// of a transaction failed.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bc-dunia/fleetmon/internal/model"
	"github.com/bc-dunia/fleetmon/internal/otel"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultBufferSize    = 1000

	flushTimeout = 30 * time.Second
)

// AckHandle settles one envelope with its transport after the flush outcome
// is known.
type AckHandle interface {
	Ack() error
	Nack(requeue bool) error
}

// Envelope is one transport delivery: its samples plus the handle that
// settles it. A nil Ack means the transport needs no settlement.
type Envelope struct {
	Payloads  []model.MetricsPayload
	Transport string
	Ack       AckHandle
}

// Store is the slice of the storage engine the batcher needs.
type Store interface {
	StoreBatch(ctx context.Context, batch []model.MetricsPayload) error
}

// BatcherConfig holds batcher tuning.
type BatcherConfig struct {
	// BatchSize triggers a flush once this many samples are buffered.
	BatchSize int

	// FlushInterval triggers a flush of whatever is buffered.
	FlushInterval time.Duration

	// BufferSize bounds the envelope buffer; Submit blocks when full so
	// backpressure reaches the transport instead of dropping data.
	BufferSize int
}

// Batcher accumulates envelopes and flushes them to storage.
type Batcher struct {
	store   Store
	metrics *otel.Metrics
	tracer  *otel.Tracer
	logger  *slog.Logger

	buffer      chan Envelope
	batchSize   int
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBatcher creates a Batcher and starts its flush loop. Nil metrics, tracer,
// or logger fall back to no-ops.
func NewBatcher(ctx context.Context, store Store, cfg BatcherConfig, metrics *otel.Metrics, tracer *otel.Tracer, logger *slog.Logger) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	if tracer == nil {
		tracer = otel.NoopTracer()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	batcherCtx, cancel := context.WithCancel(ctx)

	b := &Batcher{
		store:       store,
		metrics:     metrics,
		tracer:      tracer,
		logger:      logger,
		buffer:      make(chan Envelope, cfg.BufferSize),
		batchSize:   cfg.BatchSize,
		flushTicker: time.NewTicker(cfg.FlushInterval),
		ctx:         batcherCtx,
		cancel:      cancel,
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// Submit hands one envelope to the batcher, blocking while the buffer is
// full. Returns the context error if the caller or the batcher shuts down
// first; an envelope that was never accepted is never settled, so the
// transport redelivers it.
func (b *Batcher) Submit(ctx context.Context, env Envelope) error {
	select {
	case b.buffer <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return b.ctx.Err()
	}
}

func (b *Batcher) run() {
	defer b.wg.Done()

	var pending []Envelope
	samples := 0

	flush := func() {
		if len(pending) > 0 {
			b.flush(pending)
		}
		pending = nil
		samples = 0
	}

	for {
		select {
		case env := <-b.buffer:
			pending = append(pending, env)
			samples += len(env.Payloads)

			if samples >= b.batchSize {
				flush()
			}

		case <-b.flushTicker.C:
			flush()

		case <-b.ctx.Done():
			flush()
			return
		}
	}
}

// flush commits one accumulated batch and settles every envelope with the
// same outcome. Runs on a fresh context so the final flush still lands after
// the batcher's own context is cancelled.
func (b *Batcher) flush(pending []Envelope) {
	total := 0
	for _, env := range pending {
		total += len(env.Payloads)
	}

	ctx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout)
	defer cancelFlush()

	ctx, span := b.tracer.StartFlushSpan(ctx, otel.FlushSpanOptions{
		Transport: pending[0].Transport,
		BatchSize: total,
	})
	defer span.End()

	batch := make([]model.MetricsPayload, 0, total)
	for _, env := range pending {
		batch = append(batch, env.Payloads...)
	}

	start := time.Now()
	err := b.store.StoreBatch(ctx, batch)
	elapsed := time.Since(start)
	b.metrics.RecordFlushDuration(ctx, float64(elapsed.Milliseconds()), err == nil)

	if err != nil {
		otel.RecordError(span, err, "storage", true)
		b.logger.Error("ingest_flush_failed",
			"envelopes", len(pending), "samples", total, "error", err.Error())

		nacked := 0
		for _, env := range pending {
			if env.Ack == nil {
				continue
			}
			if nackErr := env.Ack.Nack(true); nackErr != nil {
				b.logger.Warn("ingest_nack_failed", "error", nackErr.Error())
			}
			nacked++
		}
		b.metrics.RecordNacks(ctx, nacked)
		return
	}

	for _, env := range pending {
		b.metrics.RecordIngested(ctx, len(env.Payloads), env.Transport)
		if env.Ack == nil {
			continue
		}
		if ackErr := env.Ack.Ack(); ackErr != nil {
			b.logger.Warn("ingest_ack_failed", "error", ackErr.Error())
		}
	}

	b.logger.Debug("ingest_flush",
		"envelopes", len(pending), "samples", total, "duration_ms", elapsed.Milliseconds())
}

// Close flushes the pending batch and stops the flush loop. Envelopes still
// sitting in the buffer are left unsettled; their transport redelivers them.
func (b *Batcher) Close() {
	b.cancel()
	b.flushTicker.Stop()
	b.wg.Wait()
}
