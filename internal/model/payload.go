// Package model defines the wire types shared by the agent and the collector.
// A MetricsPayload is the unit of ingestion: one point-in-time sample of a
// machine's resource usage, carried either in the body of a direct HTTP POST
// or inside a queued transport message. Payloads are immutable once built.
package model

import "time"

// MetricsPayload is one sample from one machine, as sent over the wire.
type MetricsPayload struct {
	MachineName string                 `json:"machine_name"`
	Machine     MachineSamplePayload   `json:"machine"`
	Drives      []DriveSamplePayload   `json:"drives"`
	Processes   []ProcessSamplePayload `json:"processes"`
}

// MachineSamplePayload holds the host-level counters of a sample.
type MachineSamplePayload struct {
	TimestampUTC  time.Time `json:"timestamp_utc"`
	CPUPercent    float64   `json:"cpu_percent"`
	RAMUsedBytes  int64     `json:"ram_used_bytes"`
	RAMTotalBytes int64     `json:"ram_total_bytes"`
}

// DriveSamplePayload holds usage for one fixed drive at sample time.
type DriveSamplePayload struct {
	Name       string `json:"name"`
	TotalBytes int64  `json:"total_bytes"`
	UsedBytes  int64  `json:"used_bytes"`
}

// ProcessSamplePayload holds usage for one process at sample time.
type ProcessSamplePayload struct {
	ProcessID   int     `json:"process_id"`
	ProcessName string  `json:"process_name"`
	CPUPercent  float64 `json:"cpu_percent"`
	RAMBytes    int64   `json:"ram_bytes"`
}

// DriveTotals sums used and total bytes across all drives in the payload.
// The minute aggregate tracks whole-machine drive usage, so per-sample drive
// values are summed before they enter the running average.
func (p *MetricsPayload) DriveTotals() (used, total float64) {
	for _, d := range p.Drives {
		used += float64(d.UsedBytes)
		total += float64(d.TotalBytes)
	}
	return used, total
}
