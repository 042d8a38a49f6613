package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bc-dunia/fleetmon/internal/model"
)

// timeLayout is the fixed-width UTC text form used where the backend stores
// timestamps as text. Fixed width keeps lexical order equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// dialect covers what actually differs between backends: DDL, placeholder
// style, and how a timestamp binds.
type dialect interface {
	// rebind converts ?-style placeholders to the backend's style.
	rebind(query string) string
	// bindTime converts a timestamp to its bound form.
	bindTime(t time.Time) any
	// schema returns the DDL statements creating the schema if absent.
	schema() []string
}

// sqlEngine implements Engine over database/sql with a dialect.
type sqlEngine struct {
	db *sql.DB
	d  dialect

	// now is swappable for tests.
	now func() time.Time
}

func newEngine(db *sql.DB, d dialect) (*sqlEngine, error) {
	for _, stmt := range d.schema() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &sqlEngine{db: db, d: d, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (e *sqlEngine) Close() error {
	return e.db.Close()
}

func (e *sqlEngine) StoreBatch(ctx context.Context, batch []model.MetricsPayload) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range batch {
		if err := e.storeSample(ctx, tx, &batch[i]); err != nil {
			return fmt.Errorf("storing sample for %q: %w", batch[i].MachineName, err)
		}
	}
	return tx.Commit()
}

func (e *sqlEngine) storeSample(ctx context.Context, tx *sql.Tx, p *model.MetricsPayload) error {
	ts := p.Machine.TimestampUTC.UTC()

	var machineID int64
	err := tx.QueryRowContext(ctx, e.d.rebind(`
		INSERT INTO machines (machine_name, first_seen_utc, last_seen_utc)
		VALUES (?, ?, ?)
		ON CONFLICT (machine_name) DO UPDATE SET last_seen_utc = excluded.last_seen_utc
		RETURNING id`),
		p.MachineName, e.d.bindTime(ts), e.d.bindTime(ts),
	).Scan(&machineID)
	if err != nil {
		return fmt.Errorf("upserting machine: %w", err)
	}

	var sampleID int64
	err = tx.QueryRowContext(ctx, e.d.rebind(`
		INSERT INTO machine_samples (machine_id, timestamp_utc, cpu_percent, ram_used_bytes, ram_total_bytes)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		machineID, e.d.bindTime(ts), p.Machine.CPUPercent, p.Machine.RAMUsedBytes, p.Machine.RAMTotalBytes,
	).Scan(&sampleID)
	if err != nil {
		return fmt.Errorf("inserting sample: %w", err)
	}

	for _, d := range p.Drives {
		_, err = tx.ExecContext(ctx, e.d.rebind(`
			INSERT INTO drive_samples (sample_id, name, total_bytes, used_bytes)
			VALUES (?, ?, ?, ?)`),
			sampleID, d.Name, d.TotalBytes, d.UsedBytes)
		if err != nil {
			return fmt.Errorf("inserting drive sample: %w", err)
		}
	}
	for _, pr := range p.Processes {
		_, err = tx.ExecContext(ctx, e.d.rebind(`
			INSERT INTO process_samples (sample_id, process_id, process_name, cpu_percent, ram_bytes)
			VALUES (?, ?, ?, ?, ?)`),
			sampleID, pr.ProcessID, pr.ProcessName, pr.CPUPercent, pr.RAMBytes)
		if err != nil {
			return fmt.Errorf("inserting process sample: %w", err)
		}
	}

	return e.upsertBucket(ctx, tx, machineID, p)
}

// upsertBucket folds one sample into its minute bucket with an incremental
// running average, so aggregation cost stays constant per sample and the
// bucket never needs recomputation from raw rows.
func (e *sqlEngine) upsertBucket(ctx context.Context, tx *sql.Tx, machineID int64, p *model.MetricsPayload) error {
	bucket := p.Machine.TimestampUTC.UTC().Truncate(time.Minute)
	driveUsed, driveTotal := p.DriveTotals()

	_, err := tx.ExecContext(ctx, e.d.rebind(`
		INSERT INTO machine_minute_cache
			(machine_id, bucket_start_utc, cpu_percent_avg, ram_used_bytes_avg, ram_total_bytes_avg,
			 drive_used_bytes_avg, drive_total_bytes_avg, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (machine_id, bucket_start_utc) DO UPDATE SET
			cpu_percent_avg      = (machine_minute_cache.cpu_percent_avg      * machine_minute_cache.sample_count + excluded.cpu_percent_avg)      / (machine_minute_cache.sample_count + 1),
			ram_used_bytes_avg   = (machine_minute_cache.ram_used_bytes_avg   * machine_minute_cache.sample_count + excluded.ram_used_bytes_avg)   / (machine_minute_cache.sample_count + 1),
			ram_total_bytes_avg  = (machine_minute_cache.ram_total_bytes_avg  * machine_minute_cache.sample_count + excluded.ram_total_bytes_avg)  / (machine_minute_cache.sample_count + 1),
			drive_used_bytes_avg = (machine_minute_cache.drive_used_bytes_avg * machine_minute_cache.sample_count + excluded.drive_used_bytes_avg) / (machine_minute_cache.sample_count + 1),
			drive_total_bytes_avg = (machine_minute_cache.drive_total_bytes_avg * machine_minute_cache.sample_count + excluded.drive_total_bytes_avg) / (machine_minute_cache.sample_count + 1),
			sample_count = machine_minute_cache.sample_count + 1`),
		machineID, e.d.bindTime(bucket),
		p.Machine.CPUPercent, float64(p.Machine.RAMUsedBytes), float64(p.Machine.RAMTotalBytes),
		driveUsed, driveTotal)
	if err != nil {
		return fmt.Errorf("upserting minute bucket: %w", err)
	}
	return nil
}

func (e *sqlEngine) Machines(ctx context.Context) ([]model.MachineSummary, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT machine_name, last_seen_utc FROM machines ORDER BY machine_name`)
	if err != nil {
		return nil, fmt.Errorf("listing machines: %w", err)
	}
	defer rows.Close()

	var machines []model.MachineSummary
	for rows.Next() {
		var m model.MachineSummary
		var lastSeen any
		if err := rows.Scan(&m.MachineName, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning machine row: %w", err)
		}
		if m.LastSeenUTC, err = scanTime(lastSeen); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (e *sqlEngine) Current(ctx context.Context, machineName string) (*model.MachineCurrent, error) {
	cur := &model.MachineCurrent{MachineName: machineName}

	var sampleID int64
	var ts any
	err := e.db.QueryRowContext(ctx, e.d.rebind(`
		SELECT s.id, s.timestamp_utc, s.cpu_percent, s.ram_used_bytes, s.ram_total_bytes
		FROM machine_samples s
		JOIN machines m ON m.id = s.machine_id
		WHERE m.machine_name = ?
		ORDER BY s.timestamp_utc DESC, s.id DESC
		LIMIT 1`),
		machineName,
	).Scan(&sampleID, &ts, &cur.CPUPercent, &cur.RAMUsedBytes, &cur.RAMTotalBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading latest sample: %w", err)
	}
	if cur.TimestampUTC, err = scanTime(ts); err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, e.d.rebind(`
		SELECT name, total_bytes, used_bytes
		FROM drive_samples
		WHERE sample_id = ?
		ORDER BY name`),
		sampleID)
	if err != nil {
		return nil, fmt.Errorf("reading drive samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d model.DriveSnapshot
		if err := rows.Scan(&d.Name, &d.TotalBytes, &d.UsedBytes); err != nil {
			return nil, fmt.Errorf("scanning drive row: %w", err)
		}
		cur.Drives = append(cur.Drives, d)
	}
	return cur, rows.Err()
}

func (e *sqlEngine) History(ctx context.Context, machineName string, days int) ([]model.HistoryPoint, error) {
	cutoff := e.now().AddDate(0, 0, -days)

	rows, err := e.db.QueryContext(ctx, e.d.rebind(`
		SELECT c.bucket_start_utc, c.cpu_percent_avg, c.ram_used_bytes_avg, c.ram_total_bytes_avg,
		       c.drive_used_bytes_avg, c.drive_total_bytes_avg
		FROM machine_minute_cache c
		JOIN machines m ON m.id = c.machine_id
		WHERE m.machine_name = ? AND c.bucket_start_utc >= ?
		ORDER BY c.bucket_start_utc`),
		machineName, e.d.bindTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	defer rows.Close()

	var points []model.HistoryPoint
	for rows.Next() {
		var p model.HistoryPoint
		var bucket any
		var ramUsed, ramTotal, driveUsed, driveTotal float64
		if err := rows.Scan(&bucket, &p.CPUPercentAvg, &ramUsed, &ramTotal, &driveUsed, &driveTotal); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		if p.BucketStartUTC, err = scanTime(bucket); err != nil {
			return nil, err
		}
		p.RAMUsedBytesAvg = int64(ramUsed)
		p.RAMTotalBytesAvg = int64(ramTotal)
		p.DriveUsedBytesAvg = int64(driveUsed)
		p.DriveTotalBytesAvg = int64(driveTotal)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (e *sqlEngine) EnqueueCommand(ctx context.Context, machineName, commandType string) error {
	now := e.now()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning command transaction: %w", err)
	}
	defer tx.Rollback()

	// Commands may target machines that have never reported.
	_, err = tx.ExecContext(ctx, e.d.rebind(`
		INSERT INTO machines (machine_name, first_seen_utc, last_seen_utc)
		VALUES (?, ?, ?)
		ON CONFLICT (machine_name) DO NOTHING`),
		machineName, e.d.bindTime(now), e.d.bindTime(now))
	if err != nil {
		return fmt.Errorf("ensuring machine row: %w", err)
	}

	var machineID int64
	err = tx.QueryRowContext(ctx,
		e.d.rebind(`SELECT id FROM machines WHERE machine_name = ?`), machineName,
	).Scan(&machineID)
	if err != nil {
		return fmt.Errorf("resolving machine id: %w", err)
	}

	_, err = tx.ExecContext(ctx, e.d.rebind(`
		INSERT INTO machine_commands (machine_id, command_type, status, created_at_utc, updated_at_utc)
		VALUES (?, ?, ?, ?, ?)`),
		machineID, commandType, model.CommandStatusPending, e.d.bindTime(now), e.d.bindTime(now))
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return tx.Commit()
}

func (e *sqlEngine) PendingCommands(ctx context.Context, machineName string) ([]model.CommandView, error) {
	rows, err := e.db.QueryContext(ctx, e.d.rebind(`
		SELECT c.id, c.command_type, c.created_at_utc
		FROM machine_commands c
		JOIN machines m ON m.id = c.machine_id
		WHERE m.machine_name = ? AND c.status = ?
		ORDER BY c.created_at_utc, c.id`),
		machineName, model.CommandStatusPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending commands: %w", err)
	}
	defer rows.Close()

	var commands []model.CommandView
	for rows.Next() {
		var c model.CommandView
		var created any
		if err := rows.Scan(&c.ID, &c.CommandType, &created); err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		if c.CreatedAtUTC, err = scanTime(created); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

func (e *sqlEngine) UpdateCommandStatus(ctx context.Context, id int64, status string, result *string) error {
	res, err := e.db.ExecContext(ctx, e.d.rebind(`
		UPDATE machine_commands SET status = ?, result = ?, updated_at_utc = ? WHERE id = ?`),
		status, result, e.d.bindTime(e.now()), id)
	if err != nil {
		return fmt.Errorf("updating command %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (e *sqlEngine) CleanupOlderThan(ctx context.Context, cutoff time.Time) (CleanupStats, error) {
	var stats CleanupStats

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("beginning cleanup transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		e.d.rebind(`DELETE FROM machine_samples WHERE timestamp_utc < ?`),
		e.d.bindTime(cutoff))
	if err != nil {
		return stats, fmt.Errorf("deleting old samples: %w", err)
	}
	stats.Samples, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		e.d.rebind(`DELETE FROM machine_minute_cache WHERE bucket_start_utc < ?`),
		e.d.bindTime(cutoff))
	if err != nil {
		return stats, fmt.Errorf("deleting old buckets: %w", err)
	}
	stats.Buckets, _ = res.RowsAffected()

	return stats, tx.Commit()
}

// scanTime normalizes a scanned timestamp column. Text backends yield strings,
// native timestamp backends yield time.Time.
func scanTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		return parseStoredTime(x)
	case []byte:
		return parseStoredTime(string(x))
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp column type %T", v)
	}
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
