package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"plugin-warden/internal/config"
	"plugin-warden/internal/plugin"
	"plugin-warden/internal/policy"
	"plugin-warden/internal/registry"
)

type fakeAuditor struct {
	mu      sync.Mutex
	entries []ExecutionAudit
}

func (f *fakeAuditor) RecordExecution(entry ExecutionAudit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeAuditor) last(t *testing.T) ExecutionAudit {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	return f.entries[len(f.entries)-1]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.Registry.PluginDir = dir
	cfg.Sandbox.AllowedArtifactRoots = []string{dir}
	// Force the container probe down the docker path with a bogus
	// socket so construction fails fast instead of dialing containerd.
	cfg.Sandbox.ContainerRuntime = "docker"
	return cfg
}

func newTestManager(t *testing.T, auditor ExecutionAuditor) *Manager {
	t.Helper()
	m, err := New(context.Background(), testConfig(t), Options{Auditor: auditor})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func stageSource(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.py")
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func pythonMeta(name string) plugin.Metadata {
	return plugin.Metadata{
		Name:        name,
		Version:     "1.0.0",
		Kind:        plugin.KindPython,
		Description: "test plugin",
		Author:      "tester",
		RiskLevel:   policy.LevelLow,
	}
}

func TestSubmit_ValidPlugin(t *testing.T) {
	m := newTestManager(t, nil)
	path := stageSource(t, "print('hello')\n")

	rec, res, err := m.Submit(context.Background(), pythonMeta("greeter"), path)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.Valid {
		t.Fatalf("analysis = %+v, want valid", res)
	}
	if rec == nil || rec.Status != plugin.StatusPending {
		t.Fatalf("record = %+v, want pending", rec)
	}
	if rec.RiskScore != res.RiskScore {
		t.Errorf("record risk score = %d, want %d", rec.RiskScore, res.RiskScore)
	}

	got, err := m.Get("greeter", "1.0.0")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Metadata.Checksum == "" {
		t.Error("stored record has no checksum")
	}
}

func TestSubmit_InvalidNotRegistered(t *testing.T) {
	m := newTestManager(t, nil)
	path := stageSource(t, "import ctypes\n")

	rec, res, err := m.Submit(context.Background(), pythonMeta("escaper"), path)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Valid {
		t.Fatalf("analysis = %+v, want invalid (blocked import)", res)
	}
	if rec != nil {
		t.Fatalf("record = %+v, want nil for a failed admission", rec)
	}
	if _, err := m.Get("escaper", "1.0.0"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound (rejected artifact must not be registered)", err)
	}
}

func TestSubmit_SyntaxError(t *testing.T) {
	m := newTestManager(t, nil)
	path := stageSource(t, "def broken(:\n")

	rec, res, err := m.Submit(context.Background(), pythonMeta("broken"), path)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Valid || res.RiskScore != 100 {
		t.Errorf("analysis = valid=%v score=%d, want invalid score 100", res.Valid, res.RiskScore)
	}
	if rec != nil {
		t.Errorf("record = %+v, want nil", rec)
	}
}

func TestSubmit_Duplicate(t *testing.T) {
	m := newTestManager(t, nil)
	path := stageSource(t, "print('hello')\n")

	if _, _, err := m.Submit(context.Background(), pythonMeta("greeter"), path); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	_, res, err := m.Submit(context.Background(), pythonMeta("greeter"), path)
	if !errors.Is(err, registry.ErrAlreadyRegistered) {
		t.Fatalf("second Submit() error = %v, want ErrAlreadyRegistered", err)
	}
	if !res.Valid {
		t.Errorf("analysis should still report the verdict, got %+v", res)
	}
}

func TestSubmit_InvalidMetadata(t *testing.T) {
	m := newTestManager(t, nil)
	meta := pythonMeta("")

	_, _, err := m.Submit(context.Background(), meta, stageSource(t, "print(1)\n"))
	if !errors.Is(err, plugin.ErrInvalidMetadata) {
		t.Fatalf("Submit() error = %v, want ErrInvalidMetadata", err)
	}
}

func TestValidate_DoesNotRegister(t *testing.T) {
	m := newTestManager(t, nil)
	path := stageSource(t, "print('hello')\n")

	res, err := m.Validate(plugin.KindPython, path, policy.LevelHigh)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !res.Valid {
		t.Errorf("result = %+v, want valid", res)
	}
	if got := m.List(""); len(got) != 0 {
		t.Errorf("List() = %d records after Validate, want 0", len(got))
	}
}

func TestValidate_HighRiskFlagsFilesystem(t *testing.T) {
	m := newTestManager(t, nil)
	path := stageSource(t, "f = open('out.txt', 'w')\n")

	low, err := m.Validate(plugin.KindPython, path, policy.LevelLow)
	if err != nil {
		t.Fatalf("Validate(low) error = %v", err)
	}
	high, err := m.Validate(plugin.KindPython, path, policy.LevelHigh)
	if err != nil {
		t.Fatalf("Validate(high) error = %v", err)
	}
	if len(low.Warnings) != 0 {
		t.Errorf("low risk warnings = %v, want none (filesystem allowed)", low.Warnings)
	}
	if len(high.Warnings) == 0 {
		t.Error("high risk warnings empty, want filesystem warning")
	}
}

func TestLifecycle(t *testing.T) {
	m := newTestManager(t, nil)
	path := stageSource(t, "print('hello')\n")
	ctx := context.Background()

	if _, _, err := m.Submit(ctx, pythonMeta("greeter"), path); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rec, err := m.Approve(ctx, "greeter", "1.0.0", "alice")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if rec.Status != plugin.StatusApproved || rec.ApprovedBy != "alice" {
		t.Errorf("record = %+v, want approved by alice", rec)
	}

	rec, err = m.Suspend(ctx, "greeter", "1.0.0", "bob")
	if err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if rec.Status != plugin.StatusSuspended {
		t.Errorf("status = %v, want suspended", rec.Status)
	}

	rec, err = m.Blacklist(ctx, "greeter", "1.0.0", "carol", "exfiltrates data")
	if err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}
	if rec.Status != plugin.StatusBlacklisted || rec.BlacklistReason != "exfiltrates data" {
		t.Errorf("record = %+v, want blacklisted with reason", rec)
	}

	if _, err := m.Approve(ctx, "greeter", "1.0.0", "alice"); !errors.Is(err, registry.ErrInvalidTransition) {
		t.Errorf("Approve() after blacklist error = %v, want ErrInvalidTransition", err)
	}
}

func TestReject(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	if _, _, err := m.Submit(ctx, pythonMeta("greeter"), stageSource(t, "print(1)\n")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec, err := m.Reject(ctx, "greeter", "1.0.0", "alice")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rec.Status != plugin.StatusRejected || rec.RejectedBy != "alice" {
		t.Errorf("record = %+v, want rejected by alice", rec)
	}
}

func TestExecute_NotFound(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Execute(context.Background(), "ghost", "1.0.0", nil)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("Execute() error = %v, want ErrNotFound", err)
	}
}

func TestExecute_PendingRefused(t *testing.T) {
	auditor := &fakeAuditor{}
	m := newTestManager(t, auditor)
	ctx := context.Background()

	if _, _, err := m.Submit(ctx, pythonMeta("greeter"), stageSource(t, "print(1)\n")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	_, err := m.Execute(ctx, "greeter", "1.0.0", nil)
	if !errors.Is(err, ErrPluginNotApproved) {
		t.Fatalf("Execute() error = %v, want ErrPluginNotApproved", err)
	}

	entry := auditor.last(t)
	if entry.Status != "error" || entry.Plugin != "greeter" {
		t.Errorf("audit entry = %+v, want error status for greeter", entry)
	}
	if !strings.Contains(entry.Error, "not approved") {
		t.Errorf("audit error = %q, want refusal reason", entry.Error)
	}
}

func TestExecute_BlacklistedRefused(t *testing.T) {
	auditor := &fakeAuditor{}
	m := newTestManager(t, auditor)
	ctx := context.Background()

	if _, _, err := m.Submit(ctx, pythonMeta("greeter"), stageSource(t, "print(1)\n")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := m.Approve(ctx, "greeter", "1.0.0", "alice"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if _, err := m.Blacklist(ctx, "greeter", "1.0.0", "alice", "malicious"); err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}

	_, err := m.Execute(ctx, "greeter", "1.0.0", nil)
	if !errors.Is(err, ErrPluginBlacklisted) {
		t.Fatalf("Execute() error = %v, want ErrPluginBlacklisted", err)
	}
	if entry := auditor.last(t); entry.Status != "error" {
		t.Errorf("audit status = %q, want error", entry.Status)
	}
}

func TestProcesses_EmptyWhenIdle(t *testing.T) {
	m := newTestManager(t, nil)

	if procs := m.Processes(); len(procs) != 0 {
		t.Errorf("Processes() = %v, want empty", procs)
	}
}
