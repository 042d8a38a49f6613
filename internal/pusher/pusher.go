// Package pusher delivers queued samples to the collector. Each run drains
// one batch from the outbox, POSTs it to the ingest endpoint, and settles the
// batch: delete on an unambiguous 2xx, reschedule on anything else. A
// timeout, connection error, or non-2xx status is always failure — local data
// is only discarded after the collector has durably accepted it.
package pusher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bc-dunia/fleetmon/internal/model"
	"github.com/bc-dunia/fleetmon/internal/otel"
	"github.com/bc-dunia/fleetmon/internal/outbox"
)

const (
	// minRetryDelay floors the reschedule delay so a flapping collector
	// cannot trigger a retry storm.
	minRetryDelay = 60 * time.Second

	requestTimeout = 15 * time.Second
)

// Config holds pusher tuning.
type Config struct {
	// IngestURL is the full URL of the collector's metrics endpoint.
	IngestURL string

	// BatchSize caps how many samples one attempt carries.
	BatchSize int

	// RetryDelay is the reschedule delay after failure; raised to
	// minRetryDelay when configured lower.
	RetryDelay time.Duration
}

// Sender delivers one batch to the collector. The HTTP sender is the default;
// a queue-backed sender can stand in where samples travel through a broker.
type Sender interface {
	Send(ctx context.Context, batch []model.MetricsPayload) error
}

// Pusher drains the outbox toward the collector.
type Pusher struct {
	queue   *outbox.Queue
	sender  Sender
	config  Config
	logger  *slog.Logger
	metrics *otel.Metrics
}

// New creates a Pusher delivering over HTTP. A nil logger discards output.
func New(queue *outbox.Queue, config Config, logger *slog.Logger) *Pusher {
	sender := &httpSender{
		client: &http.Client{Timeout: requestTimeout},
		url:    config.IngestURL,
	}
	return NewWithSender(queue, sender, config, logger)
}

// NewWithSender creates a Pusher delivering through the given Sender.
func NewWithSender(queue *outbox.Queue, sender Sender, config Config, logger *slog.Logger) *Pusher {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.RetryDelay < minRetryDelay {
		config.RetryDelay = minRetryDelay
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pusher{
		queue:   queue,
		sender:  sender,
		config:  config,
		logger:  logger,
		metrics: otel.NoopMetrics(),
	}
}

// WithMetrics attaches pipeline metrics and returns the pusher.
func (p *Pusher) WithMetrics(m *otel.Metrics) *Pusher {
	if m != nil {
		p.metrics = m
	}
	return p
}

// PushPending sends one due batch. An empty queue is a no-op. Transport
// outcomes settle the exact ids that were fetched; the next scheduled run
// picks up whatever remains.
func (p *Pusher) PushPending(ctx context.Context, now time.Time) error {
	entries, err := p.queue.FetchDue(ctx, p.config.BatchSize, now)
	if err != nil {
		return fmt.Errorf("fetching due samples: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	payload := make([]model.MetricsPayload, len(entries))
	ids := make([]int64, len(entries))
	for i, e := range entries {
		payload[i] = e.Sample
		ids[i] = e.ID
	}

	if err := p.sender.Send(ctx, payload); err != nil {
		p.metrics.RecordPushFailure(ctx)
		p.logger.Warn("push_failed",
			"samples", len(ids),
			"retry_in", p.config.RetryDelay.String(),
			"error", err.Error())
		if markErr := p.queue.MarkFailed(ctx, ids, now.Add(p.config.RetryDelay)); markErr != nil {
			return fmt.Errorf("rescheduling after failed push: %w", markErr)
		}
		return nil
	}

	if err := p.queue.MarkDelivered(ctx, ids); err != nil {
		// The collector has the batch but the local rows survived; the next
		// push resends them and the collector stores duplicates
		// (at-least-once).
		return fmt.Errorf("deleting delivered samples: %w", err)
	}

	p.logger.Info("push_delivered", "samples", len(ids))
	return nil
}

type httpSender struct {
	client *http.Client
	url    string
}

func (s *httpSender) Send(ctx context.Context, batch []model.MetricsPayload) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector responded with status %d", resp.StatusCode)
	}
	return nil
}
