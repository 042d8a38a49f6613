package model

import "time"

// MachineSummary is one row of the machine list endpoint.
type MachineSummary struct {
	MachineName string    `json:"machine_name"`
	LastSeenUTC time.Time `json:"last_seen_utc"`
}

// MachineCurrent is the latest raw sample for a machine, with its drives.
type MachineCurrent struct {
	MachineName   string       `json:"machine_name"`
	TimestampUTC  time.Time    `json:"timestamp_utc"`
	CPUPercent    float64      `json:"cpu_percent"`
	RAMUsedBytes  int64        `json:"ram_used_bytes"`
	RAMTotalBytes int64        `json:"ram_total_bytes"`
	Drives        []DriveSnapshot `json:"drives"`
}

// DriveSnapshot is one drive row of a current snapshot.
type DriveSnapshot struct {
	Name       string `json:"name"`
	TotalBytes int64  `json:"total_bytes"`
	UsedBytes  int64  `json:"used_bytes"`
}

// HistoryPoint is one minute-aggregate bucket of a machine's history series.
type HistoryPoint struct {
	BucketStartUTC     time.Time `json:"bucket_start_utc"`
	CPUPercentAvg      float64   `json:"cpu_percent_avg"`
	RAMUsedBytesAvg    int64     `json:"ram_used_bytes_avg"`
	RAMTotalBytesAvg   int64     `json:"ram_total_bytes_avg"`
	DriveUsedBytesAvg  int64     `json:"drive_used_bytes_avg"`
	DriveTotalBytesAvg int64     `json:"drive_total_bytes_avg"`
}

// Command lifecycle states. Transitions are driven by the agent's poller;
// completed and failed are terminal.
const (
	CommandStatusPending   = "pending"
	CommandStatusExecuting = "executing"
	CommandStatusCompleted = "completed"
	CommandStatusFailed    = "failed"
)

// CommandView is a pending command as returned to the polling agent.
type CommandView struct {
	ID           int64     `json:"id"`
	CommandType  string    `json:"command_type"`
	CreatedAtUTC time.Time `json:"created_at_utc"`
}

// CommandRequest is the body of the command creation endpoint.
type CommandRequest struct {
	CommandType string `json:"command_type"`
}

// CommandStatusUpdate is the body of the command status endpoint.
type CommandStatusUpdate struct {
	Status string  `json:"status"`
	Result *string `json:"result,omitempty"`
}
