package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"plugin-warden/internal/monitor"
	"plugin-warden/internal/plugin"
	"plugin-warden/internal/policy"
	"plugin-warden/internal/runtime"
	"plugin-warden/internal/sandbox"
)

// Sentinel errors for typed error checking.
var (
	ErrPluginNotApproved = errors.New("plugin is not approved for execution")
	ErrPluginBlacklisted = errors.New("plugin is blacklisted")
)

// Sandbox turns approved plugin records into confined executions. The
// lifecycle gate runs first: a record that is not approved is refused
// before any policy lookup or environment construction.
type Sandbox struct {
	runtimes *runtime.Registry
	backends map[sandbox.IsolationKind]sandbox.Backend
	detector *monitor.EscapeDetector
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	log      zerolog.Logger
}

func NewSandbox(runtimes *runtime.Registry, backends map[sandbox.IsolationKind]sandbox.Backend, metrics *monitor.Metrics) *Sandbox {
	return &Sandbox{
		runtimes: runtimes,
		backends: backends,
		detector: monitor.NewEscapeDetector(),
		metrics:  metrics,
		tracer:   monitor.NewTracer(),
		log:      log.With().Str("component", "sandbox").Logger(),
	}
}

// Execute runs one plugin record with args.
func (s *Sandbox) Execute(ctx context.Context, rec *plugin.Record, args []string) (*sandbox.ExecutionResult, error) {
	return s.execute(ctx, rec, args, nil, nil)
}

// ExecuteStreaming runs one plugin record, copying output to stdout
// and stderr as it is produced.
func (s *Sandbox) ExecuteStreaming(ctx context.Context, rec *plugin.Record, args []string, stdout, stderr io.Writer) (*sandbox.ExecutionResult, error) {
	return s.execute(ctx, rec, args, stdout, stderr)
}

func (s *Sandbox) execute(ctx context.Context, rec *plugin.Record, args []string, stdout, stderr io.Writer) (*sandbox.ExecutionResult, error) {
	ref := rec.Metadata.Ref()
	if err := authorize(rec); err != nil {
		s.metrics.RecordError("not_authorized")
		return nil, err
	}

	level := rec.Metadata.RiskLevel
	pol := policy.PolicyFor(level)
	iso := policy.IsolationFor(level)

	rt, err := s.runtimes.Get(rec.Metadata.Kind)
	if err != nil {
		s.metrics.RecordError("unsupported_kind")
		return nil, &sandbox.ExecutionError{Op: "runtime", Err: err}
	}

	backend, ok := s.backends[iso.Kind]
	if !ok {
		s.metrics.RecordError("backend_unavailable")
		return nil, &sandbox.ExecutionError{
			Op:  "backend",
			Err: fmt.Errorf("%w: %s isolation", sandbox.ErrBackendUnavailable, iso.Kind),
		}
	}

	if err := s.verifyIntegrity(rec); err != nil {
		s.metrics.RecordError("integrity")
		return nil, err
	}

	req := buildRequest(rec, rt, pol, iso, args)

	ctx, span := s.tracer.StartSpan(ctx, "execute",
		monitor.AttrPlugin.String(ref),
		monitor.AttrKind.String(string(rec.Metadata.Kind)),
		monitor.AttrRiskLevel.String(string(level)),
		monitor.AttrBackend.String(string(iso.Kind)),
	)
	defer span.End()

	logger := s.log.With().Str("plugin", ref).Str("backend", string(iso.Kind)).Logger()
	logger.Info().Strs("args", args).Msg("executing plugin")

	start := time.Now()
	s.metrics.ActiveExecutions.Inc()
	defer s.metrics.ActiveExecutions.Dec()

	var result *sandbox.ExecutionResult
	if stdout != nil || stderr != nil {
		result, err = backend.ExecuteStreaming(ctx, req, stdout, stderr)
	} else {
		result, err = backend.Execute(ctx, req)
	}
	if err != nil {
		s.metrics.RecordExecution(string(iso.Kind), "error", time.Since(start).Seconds())
		s.metrics.RecordError(errType(err))
		return nil, err
	}

	s.inspect(result)
	status := resultStatus(result)
	s.metrics.RecordExecution(string(iso.Kind), status, result.Duration.Seconds())
	s.metrics.OutputSizeBytes.Observe(float64(len(result.Stdout) + len(result.Stderr)))
	for _, ev := range result.SecurityEvents {
		s.metrics.RecordSecurityEvent(ev.Type)
	}
	span.SetAttributes(
		monitor.AttrExitCode.Int(result.ExitCode),
		monitor.AttrDurationMS.Int64(result.Duration.Milliseconds()),
	)

	logger.Info().
		Str("exec_id", result.ID).
		Str("status", status).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("plugin execution finished")
	return result, nil
}

// Backends lists the isolation backends that came up, sorted.
func (s *Sandbox) Backends() []string {
	names := make([]string, 0, len(s.backends))
	for kind := range s.backends {
		names = append(names, string(kind))
	}
	sort.Strings(names)
	return names
}

// Close shuts down every backend.
func (s *Sandbox) Close() error {
	var errs []error
	for kind, backend := range s.backends {
		if err := backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s backend: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

// authorize is the permission gate. Only approved records pass;
// everything else is refused before any environment work happens.
func authorize(rec *plugin.Record) error {
	switch rec.Status {
	case plugin.StatusApproved:
		return nil
	case plugin.StatusBlacklisted:
		return &sandbox.ExecutionError{
			Op:  "authorize",
			Err: fmt.Errorf("%w: %s", ErrPluginBlacklisted, rec.Metadata.Ref()),
		}
	default:
		return &sandbox.ExecutionError{
			Op:  "authorize",
			Err: fmt.Errorf("%w: %s is %s", ErrPluginNotApproved, rec.Metadata.Ref(), rec.Status),
		}
	}
}

// verifyIntegrity re-hashes the stored artifact and compares it
// against the checksum recorded at registration. An approved plugin
// whose bytes changed on disk does not run.
func (s *Sandbox) verifyIntegrity(rec *plugin.Record) error {
	sum, err := plugin.ChecksumFile(rec.Path)
	if err != nil {
		return &sandbox.ExecutionError{Op: "integrity", Err: fmt.Errorf("reading artifact: %w", err)}
	}
	if sum != rec.Metadata.Checksum {
		s.log.Error().
			Str("plugin", rec.Metadata.Ref()).
			Str("recorded", rec.Metadata.Checksum).
			Str("actual", sum).
			Msg("artifact checksum mismatch, refusing to execute")
		return &sandbox.ExecutionError{
			Op:  "integrity",
			Err: fmt.Errorf("artifact checksum mismatch for %s", rec.Metadata.Ref()),
		}
	}
	return nil
}

// buildRequest assembles the execution request from the record's
// policy. Container backends see the artifact through the /workspace
// mount; the process backend uses the host path directly.
func buildRequest(rec *plugin.Record, rt runtime.Runtime, pol policy.SecurityPolicy, iso sandbox.IsolationConfig, args []string) sandbox.ExecutionRequest {
	execPath := rec.Path
	if iso.Kind == sandbox.IsolationContainer {
		execPath = "/workspace/" + filepath.Base(rec.Path)
	}
	return sandbox.ExecutionRequest{
		Command:     rt.Command(execPath, args),
		Timeout:     time.Duration(pol.MaxCPUSeconds) * time.Second,
		Isolation:   iso,
		ArtifactDir: filepath.Dir(rec.Path),
		Image:       rt.Image(),
	}
}

// inspect scans output for escape indicators and attaches them as
// security events.
func (s *Sandbox) inspect(res *sandbox.ExecutionResult) {
	output := res.Stdout
	if res.Stderr != "" {
		output += "\n" + res.Stderr
	}
	if output == "" {
		return
	}
	if dets := s.detector.AnalyzeOutput(output); len(dets) > 0 {
		res.SecurityEvents = append(res.SecurityEvents, monitor.Events(dets)...)
	}
}

func resultStatus(res *sandbox.ExecutionResult) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.Success:
		return "succeeded"
	default:
		return "failed"
	}
}

// errType picks the metrics label for a setup failure. The failed
// operation is the most specific label available; the sentinel checks
// catch refusals that never reached a backend step.
func errType(err error) string {
	switch {
	case sandbox.IsInvalidRequest(err):
		return "invalid_request"
	case errors.Is(err, sandbox.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, sandbox.ErrClosed):
		return "closed"
	}
	if op := sandbox.OpOf(err); op != "" {
		return op
	}
	return "internal"
}
