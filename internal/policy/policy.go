package policy

import (
	"fmt"
	"strings"

	"plugin-warden/internal/sandbox"
)

// Level grades how much a plugin is trusted. Higher levels mean less
// trust and a tighter cage.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Levels returns all levels ordered from most to least permissive.
func Levels() []Level {
	return []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}
}

func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(s)) {
	case LevelLow:
		return LevelLow, nil
	case LevelMedium:
		return LevelMedium, nil
	case LevelHigh:
		return LevelHigh, nil
	case LevelCritical:
		return LevelCritical, nil
	}
	return "", fmt.Errorf("unknown risk level %q: must be low, medium, high, or critical", s)
}

func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return true
	}
	return false
}

// SecurityPolicy is the per-level restriction set consumed by the
// static analyzer and the execution gate.
//
// AllowedImports semantics: nil disables the allow-list check entirely;
// an empty non-nil list means no import is allowed without a warning.
type SecurityPolicy struct {
	Level           Level    `json:"level"`
	MaxMemoryMB     int64    `json:"max_memory_mb"`
	MaxCPUSeconds   int64    `json:"max_cpu_seconds"`
	MaxFileOps      int64    `json:"max_file_ops"` // enforced as the open-file rlimit
	AllowedImports  []string `json:"allowed_imports,omitempty"`
	BlockedImports  []string `json:"blocked_imports,omitempty"`
	AllowedPaths    []string `json:"allowed_paths,omitempty"`
	BlockedPaths    []string `json:"blocked_paths,omitempty"`
	AllowNetwork    bool     `json:"allow_network"`
	AllowFilesystem bool     `json:"allow_filesystem"`
}

// blockedImports are modules no plugin may import at any level. The
// analyzer turns each hit into a hard error.
var blockedImports = []string{
	"os", "sys", "subprocess", "socket", "shutil",
	"ctypes", "multiprocessing", "signal", "resource",
	"pty", "fcntl", "importlib", "pickle", "marshal",
}

// levelSpec is one row of the trust table. Every resource column
// shrinks monotonically from low to critical; nothing else decides
// limits or backend selection.
type levelSpec struct {
	memoryMB   int64
	cpuSecs    int64
	procs      int64
	openFiles  int64
	fileSizeMB int64
	scratchMB  int64

	kind       sandbox.IsolationKind
	network    bool
	filesystem bool

	allowedImports []string
}

var levelTable = map[Level]levelSpec{
	LevelLow: {
		memoryMB: 512, cpuSecs: 30, procs: 16, openFiles: 256, fileSizeMB: 64, scratchMB: 256,
		kind: sandbox.IsolationProcess, network: true, filesystem: true,
		allowedImports: []string{
			"json", "math", "random", "re", "string", "time", "datetime",
			"collections", "itertools", "functools", "hashlib", "base64",
			"struct", "uuid", "decimal", "statistics", "csv", "textwrap",
		},
	},
	LevelMedium: {
		memoryMB: 256, cpuSecs: 20, procs: 8, openFiles: 128, fileSizeMB: 32, scratchMB: 128,
		kind: sandbox.IsolationProcess, network: false, filesystem: true,
		allowedImports: []string{
			"json", "math", "random", "re", "string", "time", "datetime",
			"collections", "itertools", "functools", "hashlib", "base64",
		},
	},
	LevelHigh: {
		memoryMB: 128, cpuSecs: 10, procs: 4, openFiles: 64, fileSizeMB: 16, scratchMB: 64,
		kind: sandbox.IsolationContainer, network: false, filesystem: false,
		allowedImports: []string{"json", "math", "re", "string", "datetime"},
	},
	LevelCritical: {
		memoryMB: 64, cpuSecs: 5, procs: 1, openFiles: 32, fileSizeMB: 8, scratchMB: 32,
		kind: sandbox.IsolationContainer, network: false, filesystem: false,
		allowedImports: []string{},
	},
}

// specFor resolves a table row, falling back to the critical row for
// anything unrecognized. Fail closed: a typo must never grant the
// permissive defaults.
func specFor(level Level) levelSpec {
	if spec, ok := levelTable[level]; ok {
		return spec
	}
	return levelTable[LevelCritical]
}

// PolicyFor returns the restriction set for a trust level.
func PolicyFor(level Level) SecurityPolicy {
	spec := specFor(level)
	if !level.Valid() {
		level = LevelCritical
	}
	return SecurityPolicy{
		Level:           level,
		MaxMemoryMB:     spec.memoryMB,
		MaxCPUSeconds:   spec.cpuSecs,
		MaxFileOps:      spec.openFiles,
		AllowedImports:  copyStrings(spec.allowedImports),
		BlockedImports:  copyStrings(blockedImports),
		AllowNetwork:    spec.network,
		AllowFilesystem: spec.filesystem,
	}
}

// copyStrings preserves the nil/empty distinction: an empty allow list
// and an absent one mean different things to the analyzer.
func copyStrings(src []string) []string {
	if src == nil {
		return nil
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// IsolationFor maps a trust level onto a concrete isolation config:
// low and medium run under the process backend, high and critical in
// containers.
func IsolationFor(level Level) sandbox.IsolationConfig {
	spec := specFor(level)
	if !level.Valid() {
		level = LevelCritical
	}
	return sandbox.IsolationConfig{
		Kind:  spec.kind,
		Level: string(level),
		Limits: sandbox.ResourceLimits{
			MemoryMB:      spec.memoryMB,
			CPUTimeSecs:   spec.cpuSecs,
			MaxProcesses:  spec.procs,
			MaxFileSizeMB: spec.fileSizeMB,
			MaxOpenFiles:  spec.openFiles,
		},
		NetworkEnabled: spec.network,
		ScratchSpaceMB: spec.scratchMB,
	}
}
