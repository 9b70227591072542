package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"plugin-warden/internal/policy"
)

const (
	defaultMaxWASMBytes = 10 << 20
	wasmToolTimeout     = 30 * time.Second

	weightOversized    = 50
	weightBadMagic     = 50
	weightToolRejected = 40
	weightToolMissing  = 10
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d} // "\0asm"

// ToolRunner runs an external validator binary over an artifact.
// The sandbox never sees the artifact at this stage, so the tool must
// be one the operator trusts.
type ToolRunner interface {
	LookPath(tool string) (string, error)
	Validate(ctx context.Context, tool, path string) error
}

type execToolRunner struct{}

func (execToolRunner) LookPath(tool string) (string, error) {
	return exec.LookPath(tool)
}

func (execToolRunner) Validate(ctx context.Context, tool, path string) error {
	out, err := exec.CommandContext(ctx, tool, path).CombinedOutput() // #nosec G204 -- tool comes from operator config, path from the registry store
	if err != nil {
		if msg := firstLine(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// WASMAnalyzer checks WASM artifacts: a size ceiling, the module
// magic, and optionally an external validator for structural checks
// we do not reimplement.
type WASMAnalyzer struct {
	scoring  ScoringConfig
	tool     string
	runner   ToolRunner
	maxBytes int64
}

// NewWASMAnalyzer builds a WASM analyzer. tool names an external
// validator ("" for none); runner defaults to exec-based lookup.
func NewWASMAnalyzer(scoring ScoringConfig, tool string, runner ToolRunner) *WASMAnalyzer {
	if runner == nil {
		runner = execToolRunner{}
	}
	return &WASMAnalyzer{
		scoring:  scoring.withDefaults(),
		tool:     tool,
		runner:   runner,
		maxBytes: defaultMaxWASMBytes,
	}
}

func (a *WASMAnalyzer) Analyze(path string, _ policy.SecurityPolicy) (Result, error) {
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
	if !bytes.Equal(header, wasmMagic) {
		return foldWeighted([]Finding{{
			Category: CategoryFormat,
			Severity: SeverityError,
			Weight:   weightBadMagic,
			Message:  "Invalid WASM file format",
		}}, a.scoring), nil
	}

	var findings []Finding
	switch toolPath, ok := a.resolveTool(); {
	case !ok:
		findings = append(findings, Finding{
			Category: CategoryTool,
			Severity: SeverityWarning,
			Weight:   weightToolMissing,
			Message:  "WASM validator unavailable; structural checks skipped",
		})
	default:
		ctx, cancel := context.WithTimeout(context.Background(), wasmToolTimeout)
		defer cancel()
		if err := a.runner.Validate(ctx, toolPath, path); err != nil {
			findings = append(findings, Finding{
				Category: CategoryTool,
				Severity: SeverityError,
				Weight:   weightToolRejected,
				Message:  fmt.Sprintf("WASM validation failed: %v", err),
			})
		}
	}
	return foldWeighted(findings, a.scoring), nil
}

func (a *WASMAnalyzer) resolveTool() (string, bool) {
	if a.tool == "" {
		return "", false
	}
	toolPath, err := a.runner.LookPath(a.tool)
	if err != nil {
		return "", false
	}
	return toolPath, true
}

// readHeader reads the first four bytes of an artifact. A file too
// short to hold a magic number yields a short header, not an error:
// that is a verdict about the artifact.
func readHeader(path string) ([]byte, error) {
	f, err := os.Open(path) // #nosec G304 -- path is the registry-owned artifact copy
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	defer f.Close()

	header := make([]byte, 4)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return header[:n], nil
}
