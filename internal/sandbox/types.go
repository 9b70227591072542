package sandbox

import (
	"fmt"
	"time"
)

// IsolationKind selects the mechanism used to separate untrusted plugin
// code from the host.
type IsolationKind string

const (
	IsolationProcess   IsolationKind = "process"
	IsolationContainer IsolationKind = "container"
	IsolationVM        IsolationKind = "vm"
	IsolationChroot    IsolationKind = "chroot"
	IsolationNamespace IsolationKind = "namespace"
)

// Implemented reports whether a backend exists for this kind. The vm,
// chroot and namespace kinds are recognized in configs but resolve to
// no backend.
func (k IsolationKind) Implemented() bool {
	return k == IsolationProcess || k == IsolationContainer
}

func (k IsolationKind) valid() bool {
	switch k {
	case IsolationProcess, IsolationContainer, IsolationVM, IsolationChroot, IsolationNamespace:
		return true
	}
	return false
}

// IsolationConfig describes the confinement for a single execution.
// Configs are value types: every execution gets its own copy, and
// mutating one never affects another.
type IsolationConfig struct {
	Kind           IsolationKind     `json:"kind" yaml:"kind"`
	Level          string            `json:"level,omitempty" yaml:"level"`
	Limits         ResourceLimits    `json:"limits" yaml:"limits"`
	AllowedPaths   []string          `json:"allowed_paths,omitempty" yaml:"allowed_paths"`
	BlockedPaths   []string          `json:"blocked_paths,omitempty" yaml:"blocked_paths"`
	Env            map[string]string `json:"env,omitempty" yaml:"env"`
	NetworkEnabled bool              `json:"network_enabled" yaml:"network_enabled"`
	ScratchSpaceMB int64             `json:"scratch_space_mb" yaml:"scratch_space_mb"`
}

// DefaultIsolation returns a process-backed config with default limits.
func DefaultIsolation() IsolationConfig {
	return IsolationConfig{
		Kind:           IsolationProcess,
		Limits:         DefaultLimits(),
		ScratchSpaceMB: 128,
	}
}

func (c IsolationConfig) Validate() error {
	if !c.Kind.valid() {
		return fmt.Errorf("%w: unknown isolation kind %q", ErrInvalidRequest, c.Kind)
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.ScratchSpaceMB < 1 || c.ScratchSpaceMB > 1024 {
		return fmt.Errorf("%w: scratch_space_mb must be 1-1024, got %d", ErrInvalidRequest, c.ScratchSpaceMB)
	}
	for key := range c.Env {
		if err := validateEnvKey(key); err != nil {
			return err
		}
	}
	return nil
}

// ExecutionRequest asks a backend to run one command under confinement.
// Command is an argv vector, never a shell string. ArtifactDir, when
// set, is the host directory holding the plugin artifact; container
// backends mount it read-only at /workspace.
type ExecutionRequest struct {
	Command     []string        `json:"command"`
	Stdin       []byte          `json:"stdin,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	Isolation   IsolationConfig `json:"isolation"`
	ArtifactDir string          `json:"artifact_dir,omitempty"`
	Image       string          `json:"image,omitempty"` // container backends only
}

// ExecutionResult reports how an execution ended. Misbehavior of the
// confined process (non-zero exit, kill by limit, timeout) lands here,
// not in a returned error; only setup failures produce errors.
type ExecutionResult struct {
	ID             string          `json:"id"`
	Stdout         string          `json:"stdout"`
	Stderr         string          `json:"stderr"`
	ExitCode       int             `json:"exit_code"`
	Success        bool            `json:"success"`
	TimedOut       bool            `json:"timed_out"`
	Error          string          `json:"error,omitempty"`
	Duration       time.Duration   `json:"duration"`
	Usage          ResourceUsage   `json:"resource_usage"`
	SecurityEvents []SecurityEvent `json:"security_events,omitempty"`
}

// ResourceUsage reports measured consumption where the backend can
// observe it; zero values mean "not measured", not "zero use".
type ResourceUsage struct {
	CPUTimeMS    int64 `json:"cpu_time_ms"`
	MemoryPeakMB int64 `json:"memory_peak_mb"`
}

// SecurityEvent records suspicious activity observed during execution.
type SecurityEvent struct {
	Type    string `json:"type"`
	Syscall string `json:"syscall,omitempty"`
	Detail  string `json:"detail"`
}

const (
	maxStdoutBytes = 1 << 20
	maxStderrBytes = 256 * 1024
)

// timeoutFor resolves the effective deadline: explicit request timeout
// first, otherwise the CPU-time limit doubles as the wall-clock bound.
func timeoutFor(req ExecutionRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	secs := req.Isolation.Limits.CPUTimeSecs
	if secs <= 0 {
		secs = DefaultLimits().CPUTimeSecs
	}
	return time.Duration(secs) * time.Second
}
