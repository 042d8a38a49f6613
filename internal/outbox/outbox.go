// Package outbox implements the agent's durable local queue of samples
// awaiting confirmed delivery. Every sample collected on the host is written
// here first; rows leave only after the collector has acknowledged them or
// the retention backstop purges them. The queue is backed by SQLite so that
// nothing pending is lost across process restarts.
//
// Every exported operation is one self-contained transaction; no operation
// spans two calls, so callers need no locking of their own.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bc-dunia/fleetmon/internal/model"
)

// timeLayout is fixed-width so lexical comparison of the stored TEXT matches
// time order; RFC3339Nano drops trailing zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS machine_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_name TEXT NOT NULL,
	timestamp_utc TEXT NOT NULL,
	cpu_percent REAL NOT NULL,
	ram_used_bytes INTEGER NOT NULL,
	ram_total_bytes INTEGER NOT NULL,
	pending_push INTEGER NOT NULL,
	next_attempt_utc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS drive_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_sample_id INTEGER NOT NULL REFERENCES machine_samples(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	total_bytes INTEGER NOT NULL,
	used_bytes INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS process_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_sample_id INTEGER NOT NULL REFERENCES machine_samples(id) ON DELETE CASCADE,
	process_id INTEGER NOT NULL,
	process_name TEXT NOT NULL,
	cpu_percent REAL NOT NULL,
	ram_bytes INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_machine_samples_pending ON machine_samples(pending_push, next_attempt_utc);
CREATE INDEX IF NOT EXISTS idx_machine_samples_timestamp ON machine_samples(timestamp_utc);
`

// Entry is one queued sample together with its delivery state.
type Entry struct {
	ID             int64
	NextAttemptUTC time.Time
	Sample         model.MetricsPayload
}

// Queue is the agent-local durable outbox.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if needed) the outbox database at path and ensures
// the schema exists. The parent directory is created if missing.
func Open(path string) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating outbox directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every connection the pool hands out has them.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening outbox database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY between the agent's loops.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing outbox schema: %w", err)
	}

	return &Queue{db: db}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue persists a sample and its children as one transaction and marks it
// pending with an immediate next attempt. Returns the new entry id. A failed
// child insert rolls back the whole sample; an entry with missing children
// never exists.
func (q *Queue) Enqueue(ctx context.Context, sample model.MetricsPayload) (int64, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	ts := sample.Machine.TimestampUTC.UTC().Format(timeLayout)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO machine_samples
			(machine_name, timestamp_utc, cpu_percent, ram_used_bytes, ram_total_bytes, pending_push, next_attempt_utc)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		sample.MachineName, ts, sample.Machine.CPUPercent, sample.Machine.RAMUsedBytes, sample.Machine.RAMTotalBytes, ts)
	if err != nil {
		return 0, fmt.Errorf("inserting sample: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading sample id: %w", err)
	}

	for _, d := range sample.Drives {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO drive_samples (machine_sample_id, name, total_bytes, used_bytes)
			VALUES (?, ?, ?, ?)`,
			id, d.Name, d.TotalBytes, d.UsedBytes); err != nil {
			return 0, fmt.Errorf("inserting drive sample: %w", err)
		}
	}
	for _, p := range sample.Processes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO process_samples (machine_sample_id, process_id, process_name, cpu_percent, ram_bytes)
			VALUES (?, ?, ?, ?, ?)`,
			id, p.ProcessID, p.ProcessName, p.CPUPercent, p.RAMBytes); err != nil {
			return 0, fmt.Errorf("inserting process sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing enqueue: %w", err)
	}
	return id, nil
}

// FetchDue returns up to limit pending entries whose next attempt is at or
// before now, oldest first. Entries are not marked in-flight: a second fetch
// before acknowledgement returns the same rows (at-least-once).
func (q *Queue) FetchDue(ctx context.Context, limit int, now time.Time) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, machine_name, timestamp_utc, cpu_percent, ram_used_bytes, ram_total_bytes, next_attempt_utc
		FROM machine_samples
		WHERE pending_push = 1 AND next_attempt_utc <= ?
		ORDER BY timestamp_utc
		LIMIT ?`,
		now.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due samples: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts, next string
		if err := rows.Scan(&e.ID, &e.Sample.MachineName, &ts, &e.Sample.Machine.CPUPercent,
			&e.Sample.Machine.RAMUsedBytes, &e.Sample.Machine.RAMTotalBytes, &next); err != nil {
			return nil, fmt.Errorf("scanning sample row: %w", err)
		}
		if e.Sample.Machine.TimestampUTC, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parsing sample timestamp: %w", err)
		}
		if e.NextAttemptUTC, err = time.Parse(timeLayout, next); err != nil {
			return nil, fmt.Errorf("parsing next attempt: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sample rows: %w", err)
	}

	for i := range entries {
		if err := q.loadChildren(ctx, &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (q *Queue) loadChildren(ctx context.Context, e *Entry) error {
	rows, err := q.db.QueryContext(ctx, `
		SELECT name, total_bytes, used_bytes
		FROM drive_samples WHERE machine_sample_id = ?`, e.ID)
	if err != nil {
		return fmt.Errorf("querying drive samples: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d model.DriveSamplePayload
		if err := rows.Scan(&d.Name, &d.TotalBytes, &d.UsedBytes); err != nil {
			return fmt.Errorf("scanning drive row: %w", err)
		}
		e.Sample.Drives = append(e.Sample.Drives, d)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating drive rows: %w", err)
	}

	procRows, err := q.db.QueryContext(ctx, `
		SELECT process_id, process_name, cpu_percent, ram_bytes
		FROM process_samples WHERE machine_sample_id = ?`, e.ID)
	if err != nil {
		return fmt.Errorf("querying process samples: %w", err)
	}
	defer procRows.Close()
	for procRows.Next() {
		var p model.ProcessSamplePayload
		if err := procRows.Scan(&p.ProcessID, &p.ProcessName, &p.CPUPercent, &p.RAMBytes); err != nil {
			return fmt.Errorf("scanning process row: %w", err)
		}
		e.Sample.Processes = append(e.Sample.Processes, p)
	}
	if err := procRows.Err(); err != nil {
		return fmt.Errorf("iterating process rows: %w", err)
	}
	return nil
}

// MarkDelivered deletes the given entries and their children in one
// transaction. This is the only point where local data is discarded after a
// confirmed delivery.
func (q *Queue) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	in, args := placeholders(ids)
	for _, stmt := range []string{
		"DELETE FROM process_samples WHERE machine_sample_id IN (" + in + ")",
		"DELETE FROM drive_samples WHERE machine_sample_id IN (" + in + ")",
		"DELETE FROM machine_samples WHERE id IN (" + in + ")",
	} {
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("deleting delivered samples: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

// MarkFailed reschedules the given entries for a later attempt without
// touching their payload.
func (q *Queue) MarkFailed(ctx context.Context, ids []int64, nextAttempt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := placeholders(ids)
	args = append([]interface{}{nextAttempt.UTC().Format(timeLayout)}, args...)
	if _, err := q.db.ExecContext(ctx,
		"UPDATE machine_samples SET next_attempt_utc = ? WHERE id IN ("+in+")", args...); err != nil {
		return fmt.Errorf("rescheduling failed samples: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes entries older than cutoff regardless of delivery
// state. It bounds outbox growth when the collector is unreachable for long
// stretches; anything purged is lost by design.
func (q *Queue) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		"DELETE FROM machine_samples WHERE timestamp_utc < ?",
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purging old samples: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingCount reports how many entries are awaiting delivery.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM machine_samples WHERE pending_push = 1").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending samples: %w", err)
	}
	return n, nil
}

func placeholders(ids []int64) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
