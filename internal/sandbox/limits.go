package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ResourceLimits caps what one execution may consume. The process
// backend applies them as rlimits in the child before user code runs;
// the container backends map them onto cgroup limits plus OCI rlimits.
type ResourceLimits struct {
	MemoryMB      int64 `json:"memory_mb" yaml:"memory_mb"`
	CPUTimeSecs   int64 `json:"cpu_time_secs" yaml:"cpu_time_secs"`
	MaxProcesses  int64 `json:"max_processes" yaml:"max_processes"`
	MaxFileSizeMB int64 `json:"max_file_size_mb" yaml:"max_file_size_mb"`
	MaxOpenFiles  int64 `json:"max_open_files" yaml:"max_open_files"`
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MemoryMB:      256,
		CPUTimeSecs:   20,
		MaxProcesses:  8,
		MaxFileSizeMB: 32,
		MaxOpenFiles:  128,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.MemoryMB < 16 || rl.MemoryMB > 2048 {
		return fmt.Errorf("%w: memory_mb must be 16-2048, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.CPUTimeSecs < 1 || rl.CPUTimeSecs > 300 {
		return fmt.Errorf("%w: cpu_time_secs must be 1-300, got %d", ErrInvalidRequest, rl.CPUTimeSecs)
	}
	if rl.MaxProcesses < 1 || rl.MaxProcesses > 500 {
		return fmt.Errorf("%w: max_processes must be 1-500, got %d", ErrInvalidRequest, rl.MaxProcesses)
	}
	if rl.MaxFileSizeMB < 1 || rl.MaxFileSizeMB > 1024 {
		return fmt.Errorf("%w: max_file_size_mb must be 1-1024, got %d", ErrInvalidRequest, rl.MaxFileSizeMB)
	}
	if rl.MaxOpenFiles < 8 || rl.MaxOpenFiles > 4096 {
		return fmt.Errorf("%w: max_open_files must be 8-4096, got %d", ErrInvalidRequest, rl.MaxOpenFiles)
	}
	return nil
}

// ApplyResourceLimits maps ResourceLimits onto an OCI runtime spec:
// cgroup memory/CPU/pids plus per-process rlimits, and a size-capped
// tmpfs for /tmp.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits, scratchMB int64) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// Hard single-CPU cap via CFS quota: period=100ms, quota=100ms.
	// CPU *time* is additionally bounded by RLIMIT_CPU below.
	period := uint64(100000)
	quota := int64(100000)
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes, // swap == memory means no swap headroom
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.MaxProcesses,
	}

	if scratchMB < 1 {
		scratchMB = 64
	}
	tmpfsBytes := scratchMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"noexec", "nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	fileSizeBytes := limits.MaxFileSizeMB * 1024 * 1024
	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_CPU", Hard: safeUint64(limits.CPUTimeSecs), Soft: safeUint64(limits.CPUTimeSecs)},
		{Type: "RLIMIT_NOFILE", Hard: safeUint64(limits.MaxOpenFiles), Soft: safeUint64(limits.MaxOpenFiles)},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.MaxProcesses), Soft: safeUint64(limits.MaxProcesses)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(fileSizeBytes), Soft: safeUint64(fileSizeBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
