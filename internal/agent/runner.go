// Package agent runs the four periodic loops of a fleet agent: sampling the
// host into the outbox, pushing the outbox to the collector, polling for
// remote commands, and purging samples past retention. Each loop ticks
// independently so a stalled collector never stops local sampling, and a
// failed tick is logged and retried on the next tick rather than terminating
// the loop.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bc-dunia/fleetmon/internal/model"
	"github.com/bc-dunia/fleetmon/internal/otel"
)

// Sampler produces one host sample.
type Sampler interface {
	Collect(ctx context.Context) (model.MetricsPayload, error)
}

// Outbox is the slice of the durable queue the runner drives.
type Outbox interface {
	Enqueue(ctx context.Context, sample model.MetricsPayload) (int64, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
}

// Pusher delivers due outbox batches.
type Pusher interface {
	PushPending(ctx context.Context, now time.Time) error
}

// CommandPoller fetches and executes pending remote commands.
type CommandPoller interface {
	Poll(ctx context.Context) error
}

// Config holds the loop periods and retention window.
type Config struct {
	CollectInterval time.Duration
	PushInterval    time.Duration
	CommandInterval time.Duration
	CleanupInterval time.Duration
	RetentionDays   int
}

// Runner supervises the agent loops.
type Runner struct {
	sampler Sampler
	queue   Outbox
	pusher  Pusher
	poller  CommandPoller
	metrics *otel.Metrics
	logger  *slog.Logger
	config  Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewRunner creates a Runner. Nil metrics or logger fall back to no-ops.
func NewRunner(sampler Sampler, queue Outbox, pusher Pusher, poller CommandPoller, config Config, metrics *otel.Metrics, logger *slog.Logger) *Runner {
	if config.CollectInterval <= 0 {
		config.CollectInterval = time.Second
	}
	if config.PushInterval <= 0 {
		config.PushInterval = 10 * time.Second
	}
	if config.CommandInterval <= 0 {
		config.CommandInterval = 3 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 7
	}
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		sampler: sampler,
		queue:   queue,
		pusher:  pusher,
		poller:  poller,
		metrics: metrics,
		logger:  logger,
		config:  config,
	}
}

// Start launches the loops. Calling Start on a running Runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.loop(r.config.CollectInterval, r.collectOnce)
	r.loop(r.config.PushInterval, r.pushOnce)
	r.loop(r.config.CommandInterval, r.pollOnce)
	r.loop(r.config.CleanupInterval, r.cleanupOnce)

	r.logger.Info("agent_started",
		"collect_interval", r.config.CollectInterval.String(),
		"push_interval", r.config.PushInterval.String(),
		"command_interval", r.config.CommandInterval.String(),
		"retention_days", r.config.RetentionDays)
}

// Stop cancels the loops and waits for them to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Info("agent_stopped")
}

// loop ticks fn immediately and then on every period until shutdown.
func (r *Runner) loop(period time.Duration, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		fn(r.ctx)

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn(r.ctx)
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

func (r *Runner) collectOnce(ctx context.Context) {
	sample, err := r.sampler.Collect(ctx)
	if err != nil {
		r.logger.Warn("collect_failed", "error", err.Error())
		return
	}

	if _, err := r.queue.Enqueue(ctx, sample); err != nil {
		r.logger.Error("enqueue_failed", "error", err.Error())
		return
	}

	if depth, err := r.queue.PendingCount(ctx); err == nil {
		r.metrics.SetOutboxDepth(depth)
	}
}

func (r *Runner) pushOnce(ctx context.Context) {
	if err := r.pusher.PushPending(ctx, time.Now().UTC()); err != nil {
		r.logger.Error("push_cycle_failed", "error", err.Error())
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	if err := r.poller.Poll(ctx); err != nil {
		r.logger.Warn("command_poll_failed", "error", err.Error())
	}
}

func (r *Runner) cleanupOnce(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -r.config.RetentionDays)
	purged, err := r.queue.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Warn("outbox_purge_failed", "error", err.Error())
		return
	}
	if purged > 0 {
		r.logger.Info("outbox_purged", "samples", purged, "cutoff", cutoff.Format(time.RFC3339))
	}
}
