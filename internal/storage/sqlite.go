package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteDialect struct{}

func openSQLite(dsn string) (Engine, error) {
	// Pragmas go in the DSN so every connection the pool hands out has them.
	dsn += "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent flushes.
	db.SetMaxOpenConns(1)

	return newEngine(db, sqliteDialect{})
}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) bindTime(t time.Time) any { return t.UTC().Format(timeLayout) }

func (sqliteDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS machines (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_name   TEXT NOT NULL UNIQUE,
			first_seen_utc TEXT NOT NULL,
			last_seen_utc  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS machine_samples (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id      INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			timestamp_utc   TEXT NOT NULL,
			cpu_percent     REAL NOT NULL,
			ram_used_bytes  INTEGER NOT NULL,
			ram_total_bytes INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machine_samples_machine_ts
			ON machine_samples(machine_id, timestamp_utc)`,
		`CREATE TABLE IF NOT EXISTS drive_samples (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			sample_id   INTEGER NOT NULL REFERENCES machine_samples(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			total_bytes INTEGER NOT NULL,
			used_bytes  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_drive_samples_sample
			ON drive_samples(sample_id)`,
		`CREATE TABLE IF NOT EXISTS process_samples (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			sample_id    INTEGER NOT NULL REFERENCES machine_samples(id) ON DELETE CASCADE,
			process_id   INTEGER NOT NULL,
			process_name TEXT NOT NULL,
			cpu_percent  REAL NOT NULL,
			ram_bytes    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_samples_sample
			ON process_samples(sample_id)`,
		`CREATE TABLE IF NOT EXISTS machine_minute_cache (
			machine_id            INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			bucket_start_utc      TEXT NOT NULL,
			cpu_percent_avg       REAL NOT NULL,
			ram_used_bytes_avg    REAL NOT NULL,
			ram_total_bytes_avg   REAL NOT NULL,
			drive_used_bytes_avg  REAL NOT NULL,
			drive_total_bytes_avg REAL NOT NULL,
			sample_count          INTEGER NOT NULL,
			PRIMARY KEY (machine_id, bucket_start_utc)
		)`,
		`CREATE TABLE IF NOT EXISTS machine_commands (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id     INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			command_type   TEXT NOT NULL,
			status         TEXT NOT NULL,
			result         TEXT,
			created_at_utc TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machine_commands_machine_status
			ON machine_commands(machine_id, status)`,
	}
}
