// Package retention periodically deletes collector data past the retention
// window: raw samples with their drive and process children, and minute
// aggregate buckets. The minute cache keeps history queries alive after the
// raw rows are gone, until its own buckets age out.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bc-dunia/fleetmon/internal/storage"
)

const sweepTimeout = 5 * time.Minute

// Store is the slice of the storage engine retention needs.
type Store interface {
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (storage.CleanupStats, error)
}

// Config holds retention tuning.
type Config struct {
	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration

	// RetentionDays is the age past which data is deleted.
	RetentionDays int
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 7
	}
	return c
}

// Manager handles periodic cleanup of expired samples and buckets.
type Manager struct {
	config    Config
	store     Store
	logger    *slog.Logger
	stopCh    chan struct{}
	stoppedCh chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewManager creates a retention Manager. A nil logger discards output.
func NewManager(config Config, store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		config:    config.WithDefaults(),
		store:     store,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins the background sweep goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	go m.run()
}

// Stop signals the background goroutine to stop and waits for it to exit.
func (m *Manager) Stop() {
	shouldStop := false
	func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.running {
			return
		}
		m.running = false
		shouldStop = true
	}()

	if !shouldStop {
		return
	}

	close(m.stopCh)
	<-m.stoppedCh
}

func (m *Manager) run() {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -m.config.RetentionDays)

	stats, err := m.store.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		m.logger.Error("retention_sweep_failed", "error", err.Error())
		return
	}

	if stats.Samples > 0 || stats.Buckets > 0 {
		m.logger.Info("retention_sweep",
			"samples_deleted", stats.Samples,
			"buckets_deleted", stats.Buckets,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}

// RunSweepNow triggers an immediate sweep (useful for testing).
func (m *Manager) RunSweepNow() {
	m.sweep()
}
