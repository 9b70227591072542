// Package manager composes admission analysis, the plugin registry,
// and the sandbox into the plugin lifecycle: submit, approve, execute.
package manager

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"plugin-warden/internal/analysis"
	"plugin-warden/internal/config"
	"plugin-warden/internal/monitor"
	"plugin-warden/internal/plugin"
	"plugin-warden/internal/policy"
	"plugin-warden/internal/registry"
	"plugin-warden/internal/runtime"
	"plugin-warden/internal/sandbox"
)

// Options carries the optional collaborators. A nil Store keeps the
// registry in memory, a nil Auditor drops execution audits, and a nil
// Metrics set creates a private one.
type Options struct {
	Store   registry.Store
	Auditor ExecutionAuditor
	Metrics *monitor.Metrics
}

// Manager is the top-level service facade used by the HTTP API and the
// CLI.
type Manager struct {
	cfg       *config.Config
	analyzers *analysis.Registry
	registry  *registry.Registry
	sandbox   *Sandbox
	resmon    *monitor.ResourceMonitor
	metrics   *monitor.Metrics
	auditor   ExecutionAuditor
	tracer    *monitor.Tracer
	log       zerolog.Logger
}

// New builds a manager from the configuration. The process backend is
// required; the container backend is probed and skipped with a warning
// when no container runtime is reachable.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Manager, error) {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitor.NewMetrics()
	}

	scoring := analysis.ScoringConfig{
		ErrorWeight:     cfg.Analysis.ErrorWeight,
		WarningWeight:   cfg.Analysis.WarningWeight,
		RejectThreshold: cfg.Analysis.RejectThreshold,
	}
	analyzers := analysis.NewRegistry(scoring, cfg.Analysis.WASMTool)

	reg, err := registry.New(cfg.Registry.PluginDir, int(cfg.Registry.MaxArtifactMB), opts.Store)
	if err != nil {
		return nil, err
	}
	if err := reg.Load(ctx); err != nil {
		return nil, err
	}

	resmon := monitor.NewResourceMonitor()

	// The registry's artifact directory must be an allowed execution
	// root, or no registered plugin could ever run.
	cfg.Sandbox.AllowedArtifactRoots = appendMissing(cfg.Sandbox.AllowedArtifactRoots, cfg.Registry.PluginDir)

	backends := make(map[sandbox.IsolationKind]sandbox.Backend)
	procBackend, err := sandbox.NewBackend(ctx, cfg, sandbox.IsolationProcess, resmon)
	if err != nil {
		return nil, fmt.Errorf("process backend: %w", err)
	}
	backends[sandbox.IsolationProcess] = procBackend

	if containerBackend, cerr := sandbox.NewBackend(ctx, cfg, sandbox.IsolationContainer, resmon); cerr != nil {
		log.Warn().Err(cerr).Msg("container backend unavailable; high and critical risk plugins cannot execute")
	} else {
		backends[sandbox.IsolationContainer] = containerBackend
	}

	m := &Manager{
		cfg:       cfg,
		analyzers: analyzers,
		registry:  reg,
		sandbox:   NewSandbox(runtime.NewRegistry(), backends, metrics),
		resmon:    resmon,
		metrics:   metrics,
		auditor:   opts.Auditor,
		tracer:    monitor.NewTracer(),
		log:       log.With().Str("component", "manager").Logger(),
	}
	m.refreshRegistryMetrics()
	return m, nil
}

// Validate runs admission analysis against the policy for the given
// risk level without registering anything.
func (m *Manager) Validate(kind plugin.Kind, artifactPath string, level policy.Level) (analysis.Result, error) {
	pol := policy.PolicyFor(level)
	res, err := m.analyzers.Analyze(kind, artifactPath, pol)
	if err != nil {
		return analysis.Result{}, err
	}
	m.recordAnalysis(kind, res)
	return res, nil
}

// Submit analyzes an artifact and, when it passes admission, registers
// it as a pending plugin. A failed analysis is a verdict, not an
// error: the caller gets the result back and no record is created.
func (m *Manager) Submit(ctx context.Context, meta plugin.Metadata, artifactPath string) (*plugin.Record, analysis.Result, error) {
	if err := meta.Validate(); err != nil {
		return nil, analysis.Result{}, err
	}
	ctx, span := m.tracer.StartSpan(ctx, "submit",
		monitor.AttrPlugin.String(meta.Ref()),
		monitor.AttrKind.String(string(meta.Kind)),
		monitor.AttrRiskLevel.String(string(meta.RiskLevel)),
	)
	defer span.End()

	pol := policy.PolicyFor(meta.RiskLevel)
	res, err := m.analyzers.Analyze(meta.Kind, artifactPath, pol)
	if err != nil {
		return nil, analysis.Result{}, err
	}
	span.SetAttributes(monitor.AttrRiskScore.Int(res.RiskScore))
	m.recordAnalysis(meta.Kind, res)
	if !res.Valid {
		m.log.Warn().
			Str("plugin", meta.Ref()).
			Int("risk_score", res.RiskScore).
			Strs("errors", res.Errors).
			Msg("plugin failed admission analysis")
		return nil, res, nil
	}

	if _, err := m.registry.Register(ctx, meta, artifactPath); err != nil {
		return nil, res, err
	}
	rec, err := m.registry.SetAnalysis(ctx, meta.Name, meta.Version, res.RiskScore, findingMessages(res))
	if err != nil {
		return nil, res, err
	}
	m.refreshRegistryMetrics()
	m.log.Info().
		Str("plugin", meta.Ref()).
		Int("risk_score", res.RiskScore).
		Msg("plugin registered")
	return rec, res, nil
}

// Approve moves a plugin to approved.
func (m *Manager) Approve(ctx context.Context, name, version, actor string) (*plugin.Record, error) {
	rec, err := m.registry.Approve(ctx, name, version, actor)
	if err == nil {
		m.refreshRegistryMetrics()
	}
	return rec, err
}

// Reject moves a pending plugin to rejected.
func (m *Manager) Reject(ctx context.Context, name, version, actor string) (*plugin.Record, error) {
	rec, err := m.registry.Reject(ctx, name, version, actor)
	if err == nil {
		m.refreshRegistryMetrics()
	}
	return rec, err
}

// Suspend moves an approved plugin to suspended.
func (m *Manager) Suspend(ctx context.Context, name, version, actor string) (*plugin.Record, error) {
	rec, err := m.registry.Suspend(ctx, name, version, actor)
	if err == nil {
		m.refreshRegistryMetrics()
	}
	return rec, err
}

// Blacklist moves a plugin to the terminal blacklisted state.
func (m *Manager) Blacklist(ctx context.Context, name, version, actor, reason string) (*plugin.Record, error) {
	rec, err := m.registry.Blacklist(ctx, name, version, actor, reason)
	if err == nil {
		m.refreshRegistryMetrics()
	}
	return rec, err
}

// Execute runs an approved plugin and records the attempt in the audit
// trail.
func (m *Manager) Execute(ctx context.Context, name, version string, args []string) (*sandbox.ExecutionResult, error) {
	rec, err := m.registry.Get(name, version)
	if err != nil {
		return nil, err
	}
	started := time.Now().UTC()
	result, execErr := m.sandbox.Execute(ctx, rec, args)
	m.audit(rec, result, execErr, started)
	return result, execErr
}

// ExecuteStreaming runs an approved plugin with live output copies.
func (m *Manager) ExecuteStreaming(ctx context.Context, name, version string, args []string, stdout, stderr io.Writer) (*sandbox.ExecutionResult, error) {
	rec, err := m.registry.Get(name, version)
	if err != nil {
		return nil, err
	}
	started := time.Now().UTC()
	result, execErr := m.sandbox.ExecuteStreaming(ctx, rec, args, stdout, stderr)
	m.audit(rec, result, execErr, started)
	return result, execErr
}

// Get returns one plugin record.
func (m *Manager) Get(name, version string) (*plugin.Record, error) {
	return m.registry.Get(name, version)
}

// List returns records, optionally filtered by status.
func (m *Manager) List(filter plugin.Status) []plugin.Record {
	return m.registry.List(filter)
}

// Processes reports resource usage for executions currently watched by
// the monitor.
func (m *Manager) Processes() []monitor.Usage {
	return m.resmon.Snapshot()
}

// KillProcess kills a watched execution that has breached its memory
// limit. Processes under their limit are left alone.
func (m *Manager) KillProcess(pid int) (bool, error) {
	killed, err := m.resmon.KillIfOverLimit(pid)
	if killed {
		m.metrics.OverLimitKills.Inc()
	}
	return killed, err
}

// Monitor exposes the resource monitor for the periodic sweep.
func (m *Manager) Monitor() *monitor.ResourceMonitor {
	return m.resmon
}

// Metrics exposes the metrics set for the /metrics handler.
func (m *Manager) Metrics() *monitor.Metrics {
	return m.metrics
}

// Backends lists the isolation backends that are available.
func (m *Manager) Backends() []string {
	return m.sandbox.Backends()
}

// Close shuts down the sandbox backends.
func (m *Manager) Close() error {
	return m.sandbox.Close()
}

func (m *Manager) recordAnalysis(kind plugin.Kind, res analysis.Result) {
	m.metrics.RecordValidation(string(kind), res.Valid, res.RiskScore)
	for _, f := range res.Findings {
		m.metrics.RecordFinding(f.Category)
	}
}

func (m *Manager) audit(rec *plugin.Record, result *sandbox.ExecutionResult, execErr error, started time.Time) {
	if m.auditor == nil {
		return
	}
	entry := ExecutionAudit{
		Plugin:    rec.Metadata.Name,
		Version:   rec.Metadata.Version,
		Kind:      string(rec.Metadata.Kind),
		RiskLevel: string(rec.Metadata.RiskLevel),
		Backend:   string(policy.IsolationFor(rec.Metadata.RiskLevel).Kind),
		StartedAt: started,
	}
	if result != nil {
		entry.ExecID = result.ID
		entry.Status = resultStatus(result)
		entry.ExitCode = result.ExitCode
		entry.TimedOut = result.TimedOut
		entry.Duration = result.Duration
		entry.Stdout = result.Stdout
		entry.Stderr = result.Stderr
		entry.SecurityEvents = len(result.SecurityEvents)
	} else {
		entry.Status = "error"
		entry.ExitCode = -1
		if execErr != nil {
			entry.Error = execErr.Error()
		}
	}
	m.auditor.RecordExecution(entry)
}

// refreshRegistryMetrics publishes the per-status gauge. Every status
// is written each time so counts that drop to zero are not left stale.
func (m *Manager) refreshRegistryMetrics() {
	counts := m.registry.Counts()
	byName := make(map[string]int, 5)
	for _, st := range []plugin.Status{
		plugin.StatusPending,
		plugin.StatusApproved,
		plugin.StatusRejected,
		plugin.StatusSuspended,
		plugin.StatusBlacklisted,
	} {
		byName[string(st)] = counts[st]
	}
	m.metrics.SetRegistryCounts(byName)
}

func appendMissing(roots []string, dir string) []string {
	for _, r := range roots {
		if r == dir {
			return roots
		}
	}
	return append(roots, dir)
}

func findingMessages(res analysis.Result) []string {
	msgs := make([]string, 0, len(res.Findings))
	for _, f := range res.Findings {
		msgs = append(msgs, f.Message)
	}
	return msgs
}
