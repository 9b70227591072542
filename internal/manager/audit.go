package manager

import "time"

// ExecutionAudit is one completed or refused execution, recorded for
// the audit trail.
type ExecutionAudit struct {
	ExecID         string        `json:"exec_id,omitempty"`
	Plugin         string        `json:"plugin"`
	Version        string        `json:"version"`
	Kind           string        `json:"kind"`
	RiskLevel      string        `json:"risk_level"`
	Backend        string        `json:"backend"`
	Status         string        `json:"status"` // succeeded, failed, timeout, error
	ExitCode       int           `json:"exit_code"`
	TimedOut       bool          `json:"timed_out"`
	Duration       time.Duration `json:"duration"`
	Stdout         string        `json:"stdout,omitempty"`
	Stderr         string        `json:"stderr,omitempty"`
	SecurityEvents int           `json:"security_events"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
}

// ExecutionAuditor receives one entry per execution attempt.
// Implementations must not block; RecordExecution is called on the
// execution path.
type ExecutionAuditor interface {
	RecordExecution(entry ExecutionAudit)
}
