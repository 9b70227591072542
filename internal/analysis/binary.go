package analysis

import (
	"bytes"
	"fmt"
	"os"

	"plugin-warden/internal/policy"
)

const (
	defaultMaxBinaryBytes = 64 << 20

	weightUnknownFormat = 10
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// BinaryAnalyzer sanity-checks native binary artifacts. Binaries are
// opaque to static analysis; the heavy lifting happens at execution
// time inside the sandbox, so this stage only rejects the obviously
// wrong.
type BinaryAnalyzer struct {
	scoring  ScoringConfig
	maxBytes int64
}

func NewBinaryAnalyzer(scoring ScoringConfig) *BinaryAnalyzer {
	return &BinaryAnalyzer{scoring: scoring.withDefaults(), maxBytes: defaultMaxBinaryBytes}
}

func (a *BinaryAnalyzer) Analyze(path string, _ policy.SecurityPolicy) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() > a.maxBytes {
		return foldWeighted([]Finding{{
			Category: CategorySize,
			Severity: SeverityError,
			Weight:   weightOversized,
			Message:  fmt.Sprintf("Artifact exceeds %d MiB size limit", a.maxBytes>>20),
		}}, a.scoring), nil
	}

	header, err := readHeader(path)
	if err != nil {
		return Result{}, err
	}
	var findings []Finding
	if !bytes.Equal(header, elfMagic) {
		findings = append(findings, Finding{
			Category: CategoryFormat,
			Severity: SeverityWarning,
			Weight:   weightUnknownFormat,
			Message:  "Unrecognized executable format (not ELF)",
		})
	}
	return foldWeighted(findings, a.scoring), nil
}
