package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"plugin-warden/internal/config"
	"plugin-warden/internal/manager"
	"plugin-warden/internal/monitor"
)

func newTestServer(t *testing.T, keys []string) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.Registry.PluginDir = dir
	cfg.Sandbox.AllowedArtifactRoots = []string{dir}
	// Force the container probe down the docker path so construction
	// fails fast instead of dialing containerd.
	cfg.Sandbox.ContainerRuntime = "docker"
	cfg.Security.AllowedKeys = keys

	mgr, err := manager.New(context.Background(), cfg, manager.Options{})
	if err != nil {
		t.Fatalf("manager.New() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	return NewServer(cfg, mgr, nil).Handler()
}

func submitBody(t *testing.T, name, source string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(SubmitRequest{
		Name:      name,
		Version:   "1.0.0",
		Kind:      "python",
		Author:    "tester",
		RiskLevel: "low",
		Artifact:  base64.StdEncoding.EncodeToString([]byte(source)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(body)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body *bytes.Reader, out any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec
}

func TestSubmitAndLifecycle(t *testing.T) {
	h := newTestServer(t, nil)

	var submitted SubmitResponse
	rec := doJSON(t, h, http.MethodPost, "/plugins", submitBody(t, "greeter", "print('hi')\n"), &submitted)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /plugins = %d (%s), want 201", rec.Code, rec.Body.String())
	}
	if submitted.Plugin == nil || submitted.Plugin.Status != "pending" {
		t.Fatalf("submit response = %+v, want pending plugin", submitted)
	}
	if !submitted.Analysis.Valid {
		t.Errorf("analysis = %+v, want valid", submitted.Analysis)
	}

	var listed []PluginResponse
	rec = doJSON(t, h, http.MethodGet, "/plugins", nil, &listed)
	if rec.Code != http.StatusOK || len(listed) != 1 {
		t.Fatalf("GET /plugins = %d with %d records, want 200 with 1", rec.Code, len(listed))
	}

	body, _ := json.Marshal(LifecycleRequest{Actor: "alice"})
	var approved PluginResponse
	rec = doJSON(t, h, http.MethodPost, "/plugins/greeter/1.0.0/approve", bytes.NewReader(body), &approved)
	if rec.Code != http.StatusOK || approved.Status != "approved" {
		t.Fatalf("approve = %d status %q, want 200 approved", rec.Code, approved.Status)
	}
	if approved.ApprovedBy != "alice" {
		t.Errorf("ApprovedBy = %q, want alice", approved.ApprovedBy)
	}

	var fetched PluginResponse
	rec = doJSON(t, h, http.MethodGet, "/plugins/greeter/1.0.0", nil, &fetched)
	if rec.Code != http.StatusOK || fetched.Status != "approved" {
		t.Errorf("GET plugin = %d status %q, want 200 approved", rec.Code, fetched.Status)
	}
}

func TestSubmit_RejectedArtifactNotRegistered(t *testing.T) {
	h := newTestServer(t, nil)

	var resp SubmitResponse
	rec := doJSON(t, h, http.MethodPost, "/plugins", submitBody(t, "escaper", "import ctypes\n"), &resp)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("POST /plugins = %d, want 422", rec.Code)
	}
	if resp.Plugin != nil {
		t.Errorf("plugin = %+v, want nil for rejected artifact", resp.Plugin)
	}
	if resp.Analysis.Valid {
		t.Errorf("analysis = %+v, want invalid", resp.Analysis)
	}

	var listed []PluginResponse
	doJSON(t, h, http.MethodGet, "/plugins", nil, &listed)
	if len(listed) != 0 {
		t.Errorf("registry has %d records after rejection, want 0", len(listed))
	}
}

func TestSubmit_UnknownKind(t *testing.T) {
	h := newTestServer(t, nil)

	body, _ := json.Marshal(SubmitRequest{
		Name: "x", Version: "1.0.0", Kind: "lua", RiskLevel: "low",
		Artifact: base64.StdEncoding.EncodeToString([]byte("print(1)")),
	})
	var errResp ErrorResponse
	rec := doJSON(t, h, http.MethodPost, "/plugins", bytes.NewReader(body), &errResp)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST /plugins = %d, want 400", rec.Code)
	}
	if errResp.Code != "INVALID_REQUEST" {
		t.Errorf("error code = %q, want INVALID_REQUEST", errResp.Code)
	}
}

func TestSubmit_DuplicateConflict(t *testing.T) {
	h := newTestServer(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/plugins", submitBody(t, "greeter", "print('hi')\n"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first submit = %d, want 201", rec.Code)
	}
	var errResp ErrorResponse
	rec = doJSON(t, h, http.MethodPost, "/plugins", submitBody(t, "greeter", "print('hi')\n"), &errResp)
	if rec.Code != http.StatusConflict || errResp.Code != "ALREADY_REGISTERED" {
		t.Fatalf("second submit = %d code %q, want 409 ALREADY_REGISTERED", rec.Code, errResp.Code)
	}
}

func TestValidateEndpoint(t *testing.T) {
	h := newTestServer(t, nil)

	body, _ := json.Marshal(ValidateRequest{
		Kind:      "python",
		RiskLevel: "high",
		Artifact:  base64.StdEncoding.EncodeToString([]byte("f = open('x')\n")),
	})
	var resp AnalysisResponse
	rec := doJSON(t, h, http.MethodPost, "/validate", bytes.NewReader(body), &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /validate = %d, want 200", rec.Code)
	}
	if len(resp.Warnings) == 0 {
		t.Errorf("warnings = %v, want filesystem warning at high risk", resp.Warnings)
	}

	var listed []PluginResponse
	doJSON(t, h, http.MethodGet, "/plugins", nil, &listed)
	if len(listed) != 0 {
		t.Errorf("validate registered %d plugins, want 0", len(listed))
	}
}

func TestExecute_PendingForbidden(t *testing.T) {
	h := newTestServer(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/plugins", submitBody(t, "greeter", "print('hi')\n"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit = %d, want 201", rec.Code)
	}

	var errResp ErrorResponse
	rec = doJSON(t, h, http.MethodPost, "/plugins/greeter/1.0.0/execute", bytes.NewReader([]byte("{}")), &errResp)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("execute = %d (%s), want 403", rec.Code, rec.Body.String())
	}
	if errResp.Code != "PLUGIN_NOT_APPROVED" {
		t.Errorf("error code = %q, want PLUGIN_NOT_APPROVED", errResp.Code)
	}
}

func TestExecute_UnknownPlugin(t *testing.T) {
	h := newTestServer(t, nil)

	var errResp ErrorResponse
	rec := doJSON(t, h, http.MethodPost, "/plugins/ghost/1.0.0/execute", bytes.NewReader([]byte("{}")), &errResp)
	if rec.Code != http.StatusNotFound || errResp.Code != "NOT_FOUND" {
		t.Fatalf("execute = %d code %q, want 404 NOT_FOUND", rec.Code, errResp.Code)
	}
}

func TestExecuteStream_RefusalSendsErrorEvent(t *testing.T) {
	h := newTestServer(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/plugins", submitBody(t, "greeter", "print('hi')\n"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit = %d, want 201", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/plugins/greeter/1.0.0/execute/stream", bytes.NewReader([]byte("{}")))
	stream := httptest.NewRecorder()
	h.ServeHTTP(stream, req)

	if !strings.Contains(stream.Body.String(), "event: error") {
		t.Errorf("stream body = %q, want an error event for a pending plugin", stream.Body.String())
	}
}

func TestBlacklist_RequiresReason(t *testing.T) {
	h := newTestServer(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/plugins", submitBody(t, "greeter", "print('hi')\n"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit = %d, want 201", rec.Code)
	}

	body, _ := json.Marshal(LifecycleRequest{Actor: "alice"})
	var errResp ErrorResponse
	rec = doJSON(t, h, http.MethodPost, "/plugins/greeter/1.0.0/blacklist", bytes.NewReader(body), &errResp)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blacklist without reason = %d, want 400", rec.Code)
	}
}

func TestInvalidTransition_Conflict(t *testing.T) {
	h := newTestServer(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/plugins", submitBody(t, "greeter", "print('hi')\n"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit = %d, want 201", rec.Code)
	}

	// A pending plugin cannot be suspended.
	body, _ := json.Marshal(LifecycleRequest{Actor: "alice"})
	var errResp ErrorResponse
	rec = doJSON(t, h, http.MethodPost, "/plugins/greeter/1.0.0/suspend", bytes.NewReader(body), &errResp)
	if rec.Code != http.StatusConflict || errResp.Code != "INVALID_TRANSITION" {
		t.Fatalf("suspend pending = %d code %q, want 409 INVALID_TRANSITION", rec.Code, errResp.Code)
	}
}

func TestMonitorProcesses(t *testing.T) {
	h := newTestServer(t, nil)

	var procs []monitor.Usage
	rec := doJSON(t, h, http.MethodGet, "/monitor/processes", nil, &procs)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /monitor/processes = %d, want 200", rec.Code)
	}
	if len(procs) != 0 {
		t.Errorf("processes = %v, want none while idle", procs)
	}
}

func TestKillProcess_Validation(t *testing.T) {
	h := newTestServer(t, nil)

	var errResp ErrorResponse
	rec := doJSON(t, h, http.MethodPost, "/monitor/processes/banana/kill", nil, &errResp)
	if rec.Code != http.StatusBadRequest || errResp.Code != "INVALID_REQUEST" {
		t.Errorf("kill non-numeric pid = %d code %q, want 400 INVALID_REQUEST", rec.Code, errResp.Code)
	}

	// Nothing is being executed, so no PID is watched.
	rec = doJSON(t, h, http.MethodPost, "/monitor/processes/12345/kill", nil, &errResp)
	if rec.Code != http.StatusNotFound || errResp.Code != "NOT_FOUND" {
		t.Errorf("kill unwatched pid = %d code %q, want 404 NOT_FOUND", rec.Code, errResp.Code)
	}
}

func TestAuth_ProtectsAPIButNotHealth(t *testing.T) {
	h := newTestServer(t, []string{"secret"})

	rec := doJSON(t, h, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health without key = %d, want 200", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics without key = %d, want 200", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/plugins", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("GET /plugins without key = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/plugins", nil)
	req.Header.Set("X-API-Key", "secret")
	keyed := httptest.NewRecorder()
	h.ServeHTTP(keyed, req)
	if keyed.Code != http.StatusOK {
		t.Errorf("GET /plugins with key = %d, want 200", keyed.Code)
	}
}

func TestHealthReportsBackends(t *testing.T) {
	h := newTestServer(t, nil)

	var resp HealthResponse
	rec := doJSON(t, h, http.MethodGet, "/health", nil, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
	found := false
	for _, b := range resp.Backends {
		if b == "process" {
			found = true
		}
	}
	if !found {
		t.Errorf("backends = %v, want process", resp.Backends)
	}
	if !resp.Database {
		t.Error("database = false, want true when no database is configured")
	}
}

func TestExecutionsWithoutDatabase(t *testing.T) {
	h := newTestServer(t, nil)

	var errResp ErrorResponse
	rec := doJSON(t, h, http.MethodGet, "/executions", nil, &errResp)
	if rec.Code != http.StatusServiceUnavailable || errResp.Code != "DB_UNAVAILABLE" {
		t.Fatalf("GET /executions = %d code %q, want 503 DB_UNAVAILABLE", rec.Code, errResp.Code)
	}
}
