package api

import (
	"time"

	"plugin-warden/internal/analysis"
	"plugin-warden/internal/plugin"
	"plugin-warden/internal/sandbox"
)

// SubmitRequest registers a new plugin version. The artifact travels
// base64-encoded in the body; the registry re-checks its size.
type SubmitRequest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Kind         string   `json:"kind"` // python, wasm, binary
	Author       string   `json:"author,omitempty"`
	Description  string   `json:"description,omitempty"`
	EntryPoint   string   `json:"entry_point,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	RiskLevel    string   `json:"risk_level"`
	Artifact     string   `json:"artifact"` // base64
}

// ValidateRequest runs admission analysis without registering.
type ValidateRequest struct {
	Kind      string `json:"kind"`
	RiskLevel string `json:"risk_level"`
	Artifact  string `json:"artifact"` // base64
}

// AnalysisResponse is an admission verdict.
type AnalysisResponse struct {
	Valid     bool      `json:"valid"`
	RiskScore int       `json:"risk_score"`
	Errors    []string  `json:"errors,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	Findings  []Finding `json:"findings,omitempty"`
}

// Finding is one analyzer observation.
type Finding struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
	Weight   int    `json:"weight"`
	Message  string `json:"message"`
	Line     int    `json:"line,omitempty"`
}

// PluginResponse is the API view of one registry record.
type PluginResponse struct {
	Name            string     `json:"name"`
	Version         string     `json:"version"`
	Kind            string     `json:"kind"`
	Author          string     `json:"author,omitempty"`
	Description     string     `json:"description,omitempty"`
	RiskLevel       string     `json:"risk_level"`
	Status          string     `json:"status"`
	RiskScore       int        `json:"risk_score"`
	Findings        []string   `json:"findings,omitempty"`
	Checksum        string     `json:"checksum"`
	RegisteredAt    time.Time  `json:"registered_at"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	SuspendedBy     string     `json:"suspended_by,omitempty"`
	SuspendedAt     *time.Time `json:"suspended_at,omitempty"`
	BlacklistedBy   string     `json:"blacklisted_by,omitempty"`
	BlacklistReason string     `json:"blacklist_reason,omitempty"`
	BlacklistedAt   *time.Time `json:"blacklisted_at,omitempty"`
}

// SubmitResponse pairs the stored record with its admission verdict.
// Plugin is nil when the verdict rejected the artifact.
type SubmitResponse struct {
	Plugin   *PluginResponse  `json:"plugin,omitempty"`
	Analysis AnalysisResponse `json:"analysis"`
}

// LifecycleRequest names the operator performing a transition.
type LifecycleRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"` // required for blacklist
}

// ExecuteRequest carries the arguments for one execution.
type ExecuteRequest struct {
	Args []string `json:"args,omitempty"`
}

// ExecutionResponse is the outcome of one sandboxed run.
type ExecutionResponse struct {
	ID             string          `json:"id"`
	Stdout         string          `json:"stdout"`
	Stderr         string          `json:"stderr"`
	ExitCode       int             `json:"exit_code"`
	Success        bool            `json:"success"`
	TimedOut       bool            `json:"timed_out"`
	Error          string          `json:"error,omitempty"`
	Duration       string          `json:"duration"`
	ResourceUsage  ResourceUsage   `json:"resource_usage"`
	SecurityEvents []SecurityEvent `json:"security_events,omitempty"`
}

// ResourceUsage reports measured resource consumption.
type ResourceUsage struct {
	CPUTimeMS    int64 `json:"cpu_time_ms"`
	MemoryPeakMB int64 `json:"memory_peak_mb"`
}

// SecurityEvent records suspicious activity during execution.
type SecurityEvent struct {
	Type    string `json:"type"`
	Syscall string `json:"syscall,omitempty"`
	Detail  string `json:"detail"`
}

// KillResponse reports the outcome of a forced kill. Killed is false
// when the process was within its memory limit.
type KillResponse struct {
	PID    int  `json:"pid"`
	Killed bool `json:"killed"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string   `json:"status"`
	Database bool     `json:"database"`
	Backends []string `json:"backends"`
	Uptime   string   `json:"uptime"`
}

func pluginView(rec *plugin.Record) *PluginResponse {
	if rec == nil {
		return nil
	}
	return &PluginResponse{
		Name:            rec.Metadata.Name,
		Version:         rec.Metadata.Version,
		Kind:            string(rec.Metadata.Kind),
		Author:          rec.Metadata.Author,
		Description:     rec.Metadata.Description,
		RiskLevel:       string(rec.Metadata.RiskLevel),
		Status:          string(rec.Status),
		RiskScore:       rec.RiskScore,
		Findings:        rec.Findings,
		Checksum:        rec.Metadata.Checksum,
		RegisteredAt:    rec.RegisteredAt,
		ApprovedBy:      rec.ApprovedBy,
		ApprovedAt:      rec.ApprovedAt,
		RejectedBy:      rec.RejectedBy,
		RejectedAt:      rec.RejectedAt,
		SuspendedBy:     rec.SuspendedBy,
		SuspendedAt:     rec.SuspendedAt,
		BlacklistedBy:   rec.BlacklistedBy,
		BlacklistReason: rec.BlacklistReason,
		BlacklistedAt:   rec.BlacklistedAt,
	}
}

func analysisView(res analysis.Result) AnalysisResponse {
	out := AnalysisResponse{
		Valid:     res.Valid,
		RiskScore: res.RiskScore,
		Errors:    res.Errors,
		Warnings:  res.Warnings,
	}
	for _, f := range res.Findings {
		out.Findings = append(out.Findings, Finding{
			Category: f.Category,
			Severity: string(f.Severity),
			Weight:   f.Weight,
			Message:  f.Message,
			Line:     f.Line,
		})
	}
	return out
}

func executionView(res *sandbox.ExecutionResult) ExecutionResponse {
	out := ExecutionResponse{
		ID:       res.ID,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Success:  res.Success,
		TimedOut: res.TimedOut,
		Error:    res.Error,
		Duration: res.Duration.String(),
		ResourceUsage: ResourceUsage{
			CPUTimeMS:    res.Usage.CPUTimeMS,
			MemoryPeakMB: res.Usage.MemoryPeakMB,
		},
	}
	for _, e := range res.SecurityEvents {
		out.SecurityEvents = append(out.SecurityEvents, SecurityEvent{
			Type:    e.Type,
			Syscall: e.Syscall,
			Detail:  e.Detail,
		})
	}
	return out
}
