// Package storage implements the collector's storage engine: durable raw
// samples, the incrementally maintained minute-aggregate rollup, the command
// store, and the retention sweep.
//
// Two backends share one behavioral contract — identical upsert and
// aggregation semantics over SQLite or PostgreSQL, differing only in DDL and
// parameter binding. All writes for one StoreBatch call commit or roll back
// as a single transaction; row-level upsert conflict resolution, not
// application locks, settles races between concurrent writers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bc-dunia/fleetmon/internal/model"
)

// ErrNotFound is returned by read operations when the named machine has no
// data. API handlers translate it to a 404.
var ErrNotFound = errors.New("storage: not found")

// Engine is the collector's single transactional storage unit.
type Engine interface {
	// StoreBatch persists every sample in one transaction: machine upsert,
	// raw sample insert with children, minute-bucket upsert. A failure on
	// any sample rolls back the whole batch, so callers may retry it
	// wholesale.
	StoreBatch(ctx context.Context, batch []model.MetricsPayload) error

	// Machines lists known machines with their last-seen time, by name.
	Machines(ctx context.Context) ([]model.MachineSummary, error)

	// Current returns the latest raw sample for a machine with its drives.
	Current(ctx context.Context, machineName string) (*model.MachineCurrent, error)

	// History returns the minute-aggregate series for the trailing number
	// of days. Reads buckets only; raw samples never serve history.
	History(ctx context.Context, machineName string, days int) ([]model.HistoryPoint, error)

	// EnqueueCommand records a pending command for a machine, creating the
	// machine row if it has never reported.
	EnqueueCommand(ctx context.Context, machineName, commandType string) error

	// PendingCommands returns a machine's pending commands, oldest first.
	PendingCommands(ctx context.Context, machineName string) ([]model.CommandView, error)

	// UpdateCommandStatus overwrites a command's status and result. No
	// transition validation is enforced; the polling agent is trusted to
	// follow the state machine.
	UpdateCommandStatus(ctx context.Context, id int64, status string, result *string) error

	// CleanupOlderThan deletes raw samples (cascading to children) and
	// aggregate buckets older than cutoff, in one transaction.
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (CleanupStats, error)

	Close() error
}

// CleanupStats reports what one retention sweep removed.
type CleanupStats struct {
	Samples int64
	Buckets int64
}

// Open creates an Engine for the given driver ("sqlite" or "postgres") and
// DSN, ensuring the schema exists.
func Open(driver, dsn string) (Engine, error) {
	switch driver {
	case "sqlite":
		return openSQLite(dsn)
	case "postgres":
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
