package analysis

import (
	"fmt"

	"plugin-warden/internal/plugin"
	"plugin-warden/internal/policy"
)

// Severity of a single finding.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding categories.
const (
	CategoryParse      = "parse"
	CategorySize       = "size"
	CategoryFormat     = "format"
	CategoryImport     = "import"
	CategoryCall       = "call"
	CategoryFilesystem = "filesystem"
	CategoryNetwork    = "network"
	CategoryProcess    = "process"
	CategoryTool       = "tool"
)

// Finding is one observation from static analysis.
type Finding struct {
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Weight   int      `json:"weight"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
}

// Result is the outcome of analyzing one artifact. Valid means the
// artifact may proceed to registration; everything else is advisory
// detail for the operator.
type Result struct {
	Valid     bool      `json:"valid"`
	RiskScore int       `json:"risk_score"` // always within [0,100]
	Errors    []string  `json:"errors,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	Findings  []Finding `json:"findings,omitempty"`
}

// ScoringConfig tunes how findings fold into a risk score.
type ScoringConfig struct {
	ErrorWeight     int // per error finding (count-based scoring)
	WarningWeight   int // per warning finding (count-based scoring)
	RejectThreshold int // scores above this fail validation
}

func DefaultScoring() ScoringConfig {
	return ScoringConfig{
		ErrorWeight:     25,
		WarningWeight:   5,
		RejectThreshold: 70,
	}
}

func (sc ScoringConfig) withDefaults() ScoringConfig {
	out := sc
	if out.ErrorWeight == 0 {
		out.ErrorWeight = 25
	}
	if out.WarningWeight == 0 {
		out.WarningWeight = 5
	}
	if out.RejectThreshold == 0 {
		out.RejectThreshold = 70
	}
	return out
}

// Analyzer inspects one artifact under a policy. The error return is
// reserved for artifact read failures; every verdict about the
// artifact itself is expressed in the Result.
type Analyzer interface {
	Analyze(path string, pol policy.SecurityPolicy) (Result, error)
}

// Registry maps plugin kinds to their analyzers.
type Registry struct {
	analyzers map[plugin.Kind]Analyzer
}

// NewRegistry builds the registry with the built-in analyzer per kind.
// wasmTool names an external validator binary; empty means none
// configured.
func NewRegistry(scoring ScoringConfig, wasmTool string) *Registry {
	scoring = scoring.withDefaults()
	return &Registry{
		analyzers: map[plugin.Kind]Analyzer{
			plugin.KindPython: NewSourceAnalyzer(scoring),
			plugin.KindWASM:   NewWASMAnalyzer(scoring, wasmTool, nil),
			plugin.KindBinary: NewBinaryAnalyzer(scoring),
		},
	}
}

// Get returns the analyzer for a kind.
func (r *Registry) Get(kind plugin.Kind) (Analyzer, error) {
	a, ok := r.analyzers[kind]
	if !ok {
		return nil, fmt.Errorf("no analyzer for plugin kind %q", kind)
	}
	return a, nil
}

// Analyze dispatches to the analyzer for the kind.
func (r *Registry) Analyze(kind plugin.Kind, path string, pol policy.SecurityPolicy) (Result, error) {
	a, err := r.Get(kind)
	if err != nil {
		return Result{}, err
	}
	return a.Analyze(path, pol)
}
