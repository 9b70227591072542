package monitor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"plugin-warden/internal/sandbox"
)

// EscapeDetector scans execution output for signs that a plugin
// probed or breached its confinement. It is a second layer behind
// seccomp and the capability drops: the kernel blocks the act, the
// detector flags the attempt.
type EscapeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern. Line is where
// the pattern first matched; Count is the total number of matching
// lines.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// NewEscapeDetector creates a detector with the default pattern set.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeOutput scans combined stdout/stderr line by line. Each
// pattern reports once, on its first matching line, with a count of
// further matches: hostile output can repeat a marker millions of
// times, and one detection per repeat would amplify the attack into
// the audit trail and the logs.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	if output == "" {
		return nil
	}

	var detections []Detection
	index := make(map[string]int, len(d.patterns))

	for i, line := range strings.Split(output, "\n") {
		for _, p := range d.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			if at, seen := index[p.Name]; seen {
				detections[at].Count++
				continue
			}
			index[p.Name] = len(detections)
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
				Count:    1,
			})

			log.Warn().
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("escape indicator in plugin output")
		}
	}

	return detections
}

// Events converts detections into security events for the execution
// result.
func Events(detections []Detection) []sandbox.SecurityEvent {
	if len(detections) == 0 {
		return nil
	}
	events := make([]sandbox.SecurityEvent, 0, len(detections))
	for _, det := range detections {
		detail := det.Severity + ": " + det.Detail
		if det.Count > 1 {
			detail = fmt.Sprintf("%s (x%d)", detail, det.Count)
		}
		events = append(events, sandbox.SecurityEvent{
			Type:   det.Pattern,
			Detail: detail,
		})
	}
	return events
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "Process introspection via /proc/self",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status|environ)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "cgroup_breakout",
			Description: "Container breakout probe via cgroup",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "runtime_socket",
			Description: "Container runtime socket visible to the plugin",
			Regex:       regexp.MustCompile(`docker\.sock|containerd\.sock|/var/run/docker|/var/run/containerd`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "kernel_exploit",
			Description: "Kernel exploitation attempt",
			Regex:       regexp.MustCompile(`(?i)(dirty.?cow|dirty.?pipe|userfaultfd)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "kernel_leak",
			Description: "Kernel version disclosure",
			Regex:       regexp.MustCompile(`Linux version \d`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "root_access",
			Description: "Host passwd contents in output",
			Regex:       regexp.MustCompile(`root:x:0:0`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Cloud metadata service probe",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Reverse shell invocation",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "capability_abuse",
			Description: "Capability manipulation attempt",
			Regex:       regexp.MustCompile(`(?i)(cap_sys_admin|cap_net_raw|setcap|getcap|capsh)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "ptrace_attempt",
			Description: "ptrace-based injection attempt",
			Regex:       regexp.MustCompile(`(?i)(ptrace|process_vm_readv|process_vm_writev|PTRACE_ATTACH)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "crypto_miner",
			Description: "Cryptocurrency mining indicator",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
