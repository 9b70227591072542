package storage

import "time"

// ExecutionRow is one stored execution audit record.
type ExecutionRow struct {
	ID             string     `json:"id"`
	Plugin         string     `json:"plugin"`
	Version        string     `json:"version"`
	Kind           string     `json:"kind"`
	RiskLevel      string     `json:"risk_level"`
	Backend        string     `json:"backend"`
	Status         string     `json:"status"` // succeeded, failed, timeout, error
	ExitCode       int        `json:"exit_code"`
	TimedOut       bool       `json:"timed_out"`
	DurationMS     int64      `json:"duration_ms"`
	Stdout         string     `json:"stdout,omitempty"`
	Stderr         string     `json:"stderr,omitempty"`
	SecurityEvents int        `json:"security_events"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// ExecutionFilter provides criteria for querying the audit log.
type ExecutionFilter struct {
	Plugin string
	Status string
	Limit  int
	Offset int
}
