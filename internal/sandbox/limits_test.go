package sandbox

import (
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.MemoryMB != 256 {
		t.Errorf("MemoryMB = %d, want 256", l.MemoryMB)
	}
	if l.CPUTimeSecs != 20 {
		t.Errorf("CPUTimeSecs = %d, want 20", l.CPUTimeSecs)
	}
	if l.MaxProcesses != 8 {
		t.Errorf("MaxProcesses = %d, want 8", l.MaxProcesses)
	}
	if l.MaxFileSizeMB != 32 {
		t.Errorf("MaxFileSizeMB = %d, want 32", l.MaxFileSizeMB)
	}
	if l.MaxOpenFiles != 128 {
		t.Errorf("MaxOpenFiles = %d, want 128", l.MaxOpenFiles)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v, want nil", err)
	}
}

func TestResourceLimits_Validate(t *testing.T) {
	tests := []struct {
		name    string
		limits  ResourceLimits
		wantErr bool
	}{
		{"defaults", DefaultLimits(), false},
		{"at ceilings", ResourceLimits{MemoryMB: 2048, CPUTimeSecs: 300, MaxProcesses: 500, MaxFileSizeMB: 1024, MaxOpenFiles: 4096}, false},
		{"at floors", ResourceLimits{MemoryMB: 16, CPUTimeSecs: 1, MaxProcesses: 1, MaxFileSizeMB: 1, MaxOpenFiles: 8}, false},
		{"memory under", ResourceLimits{MemoryMB: 8, CPUTimeSecs: 20, MaxProcesses: 8, MaxFileSizeMB: 32, MaxOpenFiles: 128}, true},
		{"memory over", ResourceLimits{MemoryMB: 4096, CPUTimeSecs: 20, MaxProcesses: 8, MaxFileSizeMB: 32, MaxOpenFiles: 128}, true},
		{"cpu zero", ResourceLimits{MemoryMB: 256, CPUTimeSecs: 0, MaxProcesses: 8, MaxFileSizeMB: 32, MaxOpenFiles: 128}, true},
		{"cpu over", ResourceLimits{MemoryMB: 256, CPUTimeSecs: 301, MaxProcesses: 8, MaxFileSizeMB: 32, MaxOpenFiles: 128}, true},
		{"procs over", ResourceLimits{MemoryMB: 256, CPUTimeSecs: 20, MaxProcesses: 501, MaxFileSizeMB: 32, MaxOpenFiles: 128}, true},
		{"fsize over", ResourceLimits{MemoryMB: 256, CPUTimeSecs: 20, MaxProcesses: 8, MaxFileSizeMB: 1025, MaxOpenFiles: 128}, true},
		{"nofile under", ResourceLimits{MemoryMB: 256, CPUTimeSecs: 20, MaxProcesses: 8, MaxFileSizeMB: 32, MaxOpenFiles: 4}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsInvalidRequest(err) {
				t.Errorf("validation error should wrap ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestApplyResourceLimits(t *testing.T) {
	spec := &specs.Spec{}
	ApplyResourceLimits(spec, DefaultLimits(), 64)

	mem := spec.Linux.Resources.Memory
	if mem == nil || mem.Limit == nil || *mem.Limit != 256*1024*1024 {
		t.Errorf("memory limit not set to 256MB")
	}
	if mem.Swap == nil || *mem.Swap != *mem.Limit {
		t.Error("swap should equal memory limit (no swap headroom)")
	}

	if spec.Linux.Resources.Pids == nil || spec.Linux.Resources.Pids.Limit != 8 {
		t.Error("pids limit not set to 8")
	}

	cpu := spec.Linux.Resources.CPU
	if cpu == nil || cpu.Quota == nil || cpu.Period == nil {
		t.Fatal("CPU quota not set")
	}
	if *cpu.Quota != int64(*cpu.Period) {
		t.Errorf("CPU quota %d / period %d should cap at one CPU", *cpu.Quota, *cpu.Period)
	}

	var tmpfs *specs.Mount
	for i := range spec.Mounts {
		if spec.Mounts[i].Destination == "/tmp" {
			tmpfs = &spec.Mounts[i]
		}
	}
	if tmpfs == nil {
		t.Fatal("no tmpfs mount for /tmp")
	}
	opts := strings.Join(tmpfs.Options, ",")
	for _, want := range []string{"noexec", "nosuid", "nodev", "size=67108864", "mode=1777"} {
		if !strings.Contains(opts, want) {
			t.Errorf("tmpfs options %q missing %q", opts, want)
		}
	}

	wantRlimits := map[string]uint64{
		"RLIMIT_CPU":    20,
		"RLIMIT_NOFILE": 128,
		"RLIMIT_NPROC":  8,
		"RLIMIT_FSIZE":  32 * 1024 * 1024,
		"RLIMIT_CORE":   0,
	}
	got := map[string]uint64{}
	for _, rl := range spec.Process.Rlimits {
		got[rl.Type] = rl.Hard
	}
	for typ, want := range wantRlimits {
		if got[typ] != want {
			t.Errorf("rlimit %s = %d, want %d", typ, got[typ], want)
		}
	}
}

func TestApplyResourceLimits_TmpfsNotDuplicated(t *testing.T) {
	spec := &specs.Spec{
		Mounts: []specs.Mount{{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs"}},
	}
	ApplyResourceLimits(spec, DefaultLimits(), 64)

	count := 0
	for _, m := range spec.Mounts {
		if m.Destination == "/tmp" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("got %d /tmp mounts, want 1", count)
	}
}
