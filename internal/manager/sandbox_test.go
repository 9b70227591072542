package manager

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"plugin-warden/internal/monitor"
	"plugin-warden/internal/plugin"
	"plugin-warden/internal/policy"
	"plugin-warden/internal/runtime"
	"plugin-warden/internal/sandbox"
)

// fakeBackend records every request it receives and returns a canned
// result, so tests can prove whether the gate let an execution through.
type fakeBackend struct {
	mu      sync.Mutex
	calls   int
	lastReq sandbox.ExecutionRequest
	result  sandbox.ExecutionResult
	err     error
}

func (f *fakeBackend) Execute(_ context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	res := f.result
	return &res, nil
}

func (f *fakeBackend) ExecuteStreaming(ctx context.Context, req sandbox.ExecutionRequest, stdout, stderr io.Writer) (*sandbox.ExecutionResult, error) {
	res, err := f.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if stdout != nil {
		io.WriteString(stdout, res.Stdout)
	}
	if stderr != nil {
		io.WriteString(stderr, res.Stderr)
	}
	return res, nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeBackend) request() sandbox.ExecutionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func okResult() sandbox.ExecutionResult {
	return sandbox.ExecutionResult{
		ID:       "exec-1",
		Stdout:   "hello\n",
		ExitCode: 0,
		Success:  true,
		Duration: 20 * time.Millisecond,
	}
}

// testRecord stages a real artifact on disk so executions pass the
// integrity check against the recorded checksum.
func testRecord(t *testing.T, kind plugin.Kind, level policy.Level, status plugin.Status) *plugin.Record {
	t.Helper()
	source := []byte("print('hello')\n")
	path := filepath.Join(t.TempDir(), "echo-1.0.0"+kind.Extension())
	if err := os.WriteFile(path, source, 0o600); err != nil {
		t.Fatalf("staging artifact: %v", err)
	}
	return &plugin.Record{
		Metadata: plugin.Metadata{
			Name:      "echo",
			Version:   "1.0.0",
			Kind:      kind,
			RiskLevel: level,
			Checksum:  plugin.ChecksumBytes(source),
		},
		Status: status,
		Path:   path,
	}
}

func newTestSandbox(backends map[sandbox.IsolationKind]sandbox.Backend) *Sandbox {
	return NewSandbox(runtime.NewRegistry(), backends, monitor.NewMetrics())
}

func TestExecute_GateRefusesUnapproved(t *testing.T) {
	tests := []struct {
		name    string
		status  plugin.Status
		wantErr error
	}{
		{"pending", plugin.StatusPending, ErrPluginNotApproved},
		{"rejected", plugin.StatusRejected, ErrPluginNotApproved},
		{"suspended", plugin.StatusSuspended, ErrPluginNotApproved},
		{"blacklisted", plugin.StatusBlacklisted, ErrPluginBlacklisted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{result: okResult()}
			s := newTestSandbox(map[sandbox.IsolationKind]sandbox.Backend{
				sandbox.IsolationProcess: backend,
			})
			rec := testRecord(t, plugin.KindPython, policy.LevelLow, tt.status)

			result, err := s.Execute(context.Background(), rec, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Execute() error = %v, want %v", err, tt.wantErr)
			}
			if result != nil {
				t.Errorf("Execute() result = %+v, want nil", result)
			}
			if got := backend.callCount(); got != 0 {
				t.Errorf("backend called %d times, want 0 (gate must fire before any execution)", got)
			}
			var execErr *sandbox.ExecutionError
			if !errors.As(err, &execErr) || execErr.Op != "authorize" {
				t.Errorf("error op = %v, want authorize", err)
			}
		})
	}
}

func TestExecute_Approved(t *testing.T) {
	backend := &fakeBackend{result: okResult()}
	s := newTestSandbox(map[sandbox.IsolationKind]sandbox.Backend{
		sandbox.IsolationProcess: backend,
	})
	rec := testRecord(t, plugin.KindPython, policy.LevelMedium, plugin.StatusApproved)

	result, err := s.Execute(context.Background(), rec, []string{"--count", "3"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Success || result.Stdout != "hello\n" {
		t.Errorf("result = %+v, want canned success", result)
	}
	if got := backend.callCount(); got != 1 {
		t.Fatalf("backend called %d times, want 1", got)
	}

	req := backend.request()
	wantCmd := []string{"python3", "-u", "-B", rec.Path, "--count", "3"}
	if len(req.Command) != len(wantCmd) {
		t.Fatalf("Command = %v, want %v", req.Command, wantCmd)
	}
	for i := range wantCmd {
		if req.Command[i] != wantCmd[i] {
			t.Errorf("Command[%d] = %q, want %q", i, req.Command[i], wantCmd[i])
		}
	}
	pol := policy.PolicyFor(policy.LevelMedium)
	if want := time.Duration(pol.MaxCPUSeconds) * time.Second; req.Timeout != want {
		t.Errorf("Timeout = %v, want %v", req.Timeout, want)
	}
	if req.Isolation.Kind != sandbox.IsolationProcess {
		t.Errorf("Isolation.Kind = %v, want process", req.Isolation.Kind)
	}
	if want := filepath.Dir(rec.Path); req.ArtifactDir != want {
		t.Errorf("ArtifactDir = %q, want %q", req.ArtifactDir, want)
	}
}

func TestExecute_HighRiskUsesContainerPath(t *testing.T) {
	backend := &fakeBackend{result: okResult()}
	s := newTestSandbox(map[sandbox.IsolationKind]sandbox.Backend{
		sandbox.IsolationContainer: backend,
	})
	rec := testRecord(t, plugin.KindPython, policy.LevelHigh, plugin.StatusApproved)

	if _, err := s.Execute(context.Background(), rec, nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	req := backend.request()
	if req.Isolation.Kind != sandbox.IsolationContainer {
		t.Errorf("Isolation.Kind = %v, want container", req.Isolation.Kind)
	}
	want := "/workspace/echo-1.0.0.py"
	found := false
	for _, arg := range req.Command {
		if arg == want {
			found = true
		}
	}
	if !found {
		t.Errorf("Command = %v, want it to reference %q", req.Command, want)
	}
	if req.Image == "" {
		t.Error("Image is empty, container execution needs one")
	}
}

func TestExecute_WASMHasNoRuntime(t *testing.T) {
	backend := &fakeBackend{result: okResult()}
	s := newTestSandbox(map[sandbox.IsolationKind]sandbox.Backend{
		sandbox.IsolationProcess: backend,
	})
	rec := testRecord(t, plugin.KindWASM, policy.LevelLow, plugin.StatusApproved)

	_, err := s.Execute(context.Background(), rec, nil)
	if !errors.Is(err, runtime.ErrUnsupportedKind) {
		t.Fatalf("Execute() error = %v, want ErrUnsupportedKind", err)
	}
	if got := backend.callCount(); got != 0 {
		t.Errorf("backend called %d times, want 0", got)
	}
}

func TestExecute_BackendUnavailable(t *testing.T) {
	// Only a process backend is wired; a high risk plugin needs the
	// container backend.
	backend := &fakeBackend{result: okResult()}
	s := newTestSandbox(map[sandbox.IsolationKind]sandbox.Backend{
		sandbox.IsolationProcess: backend,
	})
	rec := testRecord(t, plugin.KindPython, policy.LevelCritical, plugin.StatusApproved)

	_, err := s.Execute(context.Background(), rec, nil)
	if !errors.Is(err, sandbox.ErrBackendUnavailable) {
		t.Fatalf("Execute() error = %v, want ErrBackendUnavailable", err)
	}
	if got := backend.callCount(); got != 0 {
		t.Errorf("backend called %d times, want 0", got)
	}
}

func TestExecute_TamperedArtifactRefused(t *testing.T) {
	backend := &fakeBackend{result: okResult()}
	s := newTestSandbox(map[sandbox.IsolationKind]sandbox.Backend{
		sandbox.IsolationProcess: backend,
	})
	rec := testRecord(t, plugin.KindPython, policy.LevelLow, plugin.StatusApproved)

	// Swap the artifact bytes after registration.
	if err := os.WriteFile(rec.Path, []byte("import os\nos.system('id')\n"), 0o600); err != nil {
		t.Fatalf("tampering with artifact: %v", err)
	}

	result, err := s.Execute(context.Background(), rec, nil)
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
	var execErr *sandbox.ExecutionError
	if !errors.As(err, &execErr) || execErr.Op != "integrity" {
		t.Fatalf("Execute() error = %v, want an integrity refusal", err)
	}
	if got := backend.callCount(); got != 0 {
		t.Errorf("backend called %d times, want 0", got)
	}
}

func TestExecute_BackendError(t *testing.T) {
	wantErr := &sandbox.ExecutionError{Op: "spawn", Err: errors.New("fork failed")}
	backend := &fakeBackend{err: wantErr}
	s := newTestSandbox(map[sandbox.IsolationKind]sandbox.Backend{
		sandbox.IsolationProcess: backend,
	})
	rec := testRecord(t, plugin.KindPython, policy.LevelLow, plugin.StatusApproved)

	result, err := s.Execute(context.Background(), rec, nil)
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
	var execErr *sandbox.ExecutionError
	if !errors.As(err, &execErr) || execErr.Op != "spawn" {
		t.Fatalf("Execute() error = %v, want the backend setup error", err)
	}
}

func TestExecute_AttachesEscapeEvents(t *testing.T) {
	res := okResult()
	res.Stdout = "root:x:0:0:root:/root:/bin/bash\n"
	backend := &fakeBackend{result: res}
	s := newTestSandbox(map[sandbox.IsolationKind]sandbox.Backend{
		sandbox.IsolationProcess: backend,
	})
	rec := testRecord(t, plugin.KindPython, policy.LevelLow, plugin.StatusApproved)

	result, err := s.Execute(context.Background(), rec, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.SecurityEvents) == 0 {
		t.Fatal("SecurityEvents is empty, want root_access detection")
	}
	found := false
	for _, ev := range result.SecurityEvents {
		if ev.Type == "root_access" {
			found = true
		}
	}
	if !found {
		t.Errorf("SecurityEvents = %+v, want a root_access event", result.SecurityEvents)
	}
}

func TestExecuteStreaming_CopiesOutput(t *testing.T) {
	res := okResult()
	res.Stdout = "line one\nline two\n"
	res.Stderr = "warn: something\n"
	backend := &fakeBackend{result: res}
	s := newTestSandbox(map[sandbox.IsolationKind]sandbox.Backend{
		sandbox.IsolationProcess: backend,
	})
	rec := testRecord(t, plugin.KindPython, policy.LevelLow, plugin.StatusApproved)

	var stdout, stderr strings.Builder
	result, err := s.ExecuteStreaming(context.Background(), rec, nil, &stdout, &stderr)
	if err != nil {
		t.Fatalf("ExecuteStreaming() error = %v", err)
	}
	if stdout.String() != res.Stdout {
		t.Errorf("streamed stdout = %q, want %q", stdout.String(), res.Stdout)
	}
	if stderr.String() != res.Stderr {
		t.Errorf("streamed stderr = %q, want %q", stderr.String(), res.Stderr)
	}
	if result.Stdout != res.Stdout {
		t.Errorf("result stdout = %q, want %q", result.Stdout, res.Stdout)
	}
}

func TestResultStatus(t *testing.T) {
	tests := []struct {
		name string
		res  sandbox.ExecutionResult
		want string
	}{
		{"success", sandbox.ExecutionResult{Success: true}, "succeeded"},
		{"failure", sandbox.ExecutionResult{ExitCode: 1}, "failed"},
		{"timeout", sandbox.ExecutionResult{TimedOut: true}, "timeout"},
		{"timeout wins over exit", sandbox.ExecutionResult{TimedOut: true, ExitCode: -1}, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resultStatus(&tt.res); got != tt.want {
				t.Errorf("resultStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}
