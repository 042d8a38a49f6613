package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresDialect struct{}

func openPostgres(dsn string) (Engine, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return newEngine(db, postgresDialect{})
}

func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) bindTime(t time.Time) any { return t.UTC() }

func (postgresDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS machines (
			id             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			machine_name   TEXT NOT NULL UNIQUE,
			first_seen_utc TIMESTAMPTZ NOT NULL,
			last_seen_utc  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS machine_samples (
			id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			machine_id      BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			timestamp_utc   TIMESTAMPTZ NOT NULL,
			cpu_percent     DOUBLE PRECISION NOT NULL,
			ram_used_bytes  BIGINT NOT NULL,
			ram_total_bytes BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machine_samples_machine_ts
			ON machine_samples(machine_id, timestamp_utc)`,
		`CREATE TABLE IF NOT EXISTS drive_samples (
			id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			sample_id   BIGINT NOT NULL REFERENCES machine_samples(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			total_bytes BIGINT NOT NULL,
			used_bytes  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_drive_samples_sample
			ON drive_samples(sample_id)`,
		`CREATE TABLE IF NOT EXISTS process_samples (
			id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			sample_id    BIGINT NOT NULL REFERENCES machine_samples(id) ON DELETE CASCADE,
			process_id   BIGINT NOT NULL,
			process_name TEXT NOT NULL,
			cpu_percent  DOUBLE PRECISION NOT NULL,
			ram_bytes    BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_samples_sample
			ON process_samples(sample_id)`,
		`CREATE TABLE IF NOT EXISTS machine_minute_cache (
			machine_id            BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			bucket_start_utc      TIMESTAMPTZ NOT NULL,
			cpu_percent_avg       DOUBLE PRECISION NOT NULL,
			ram_used_bytes_avg    DOUBLE PRECISION NOT NULL,
			ram_total_bytes_avg   DOUBLE PRECISION NOT NULL,
			drive_used_bytes_avg  DOUBLE PRECISION NOT NULL,
			drive_total_bytes_avg DOUBLE PRECISION NOT NULL,
			sample_count          BIGINT NOT NULL,
			PRIMARY KEY (machine_id, bucket_start_utc)
		)`,
		`CREATE TABLE IF NOT EXISTS machine_commands (
			id             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			machine_id     BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			command_type   TEXT NOT NULL,
			status         TEXT NOT NULL,
			result         TEXT,
			created_at_utc TIMESTAMPTZ NOT NULL,
			updated_at_utc TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machine_commands_machine_status
			ON machine_commands(machine_id, status)`,
	}
}
