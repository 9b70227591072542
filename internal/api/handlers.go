package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"plugin-warden/internal/manager"
	"plugin-warden/internal/monitor"
	"plugin-warden/internal/plugin"
	"plugin-warden/internal/policy"
	"plugin-warden/internal/registry"
	"plugin-warden/internal/runtime"
	"plugin-warden/internal/sandbox"
	"plugin-warden/internal/storage"
)

type Handlers struct {
	mgr *manager.Manager
	db  *storage.DB
}

func NewHandlers(mgr *manager.Manager, db *storage.DB) *Handlers {
	return &Handlers{mgr: mgr, db: db}
}

// HandleSubmitPlugin analyzes an uploaded artifact and registers it
// when admission passes. A rejected artifact returns 422 with the
// verdict; nothing is registered.
func (h *Handlers) HandleSubmitPlugin(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	kind, err := plugin.ParseKind(req.Kind)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	level, err := policy.ParseLevel(req.RiskLevel)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	path, cleanup, err := stageArtifact(kind, req.Artifact)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	defer cleanup()

	meta := plugin.Metadata{
		Name:         req.Name,
		Version:      req.Version,
		Kind:         kind,
		Author:       req.Author,
		Description:  req.Description,
		EntryPoint:   req.EntryPoint,
		Dependencies: req.Dependencies,
		Permissions:  req.Permissions,
		RiskLevel:    level,
	}

	rec, res, err := h.mgr.Submit(r.Context(), meta, path)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusUnprocessableEntity, SubmitResponse{Analysis: analysisView(res)})
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{
		Plugin:   pluginView(rec),
		Analysis: analysisView(res),
	})
}

// HandleValidate runs admission analysis only.
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	kind, err := plugin.ParseKind(req.Kind)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	level := policy.LevelMedium
	if req.RiskLevel != "" {
		if level, err = policy.ParseLevel(req.RiskLevel); err != nil {
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}

	path, cleanup, err := stageArtifact(kind, req.Artifact)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	defer cleanup()

	res, err := h.mgr.Validate(kind, path, level)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysisView(res))
}

func (h *Handlers) HandleListPlugins(w http.ResponseWriter, r *http.Request) {
	var filter plugin.Status
	if s := r.URL.Query().Get("status"); s != "" {
		filter = plugin.Status(s)
		if !filter.Valid() {
			writeError(w, fmt.Sprintf("unknown status %q", s), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}

	records := h.mgr.List(filter)
	out := make([]*PluginResponse, 0, len(records))
	for i := range records {
		out = append(out, pluginView(&records[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleGetPlugin(w http.ResponseWriter, r *http.Request) {
	rec, err := h.mgr.Get(r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pluginView(rec))
}

func (h *Handlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(req LifecycleRequest) (*plugin.Record, error) {
		return h.mgr.Approve(r.Context(), r.PathValue("name"), r.PathValue("version"), req.Actor)
	})
}

func (h *Handlers) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(req LifecycleRequest) (*plugin.Record, error) {
		return h.mgr.Reject(r.Context(), r.PathValue("name"), r.PathValue("version"), req.Actor)
	})
}

func (h *Handlers) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(req LifecycleRequest) (*plugin.Record, error) {
		return h.mgr.Suspend(r.Context(), r.PathValue("name"), r.PathValue("version"), req.Actor)
	})
}

func (h *Handlers) HandleBlacklist(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Reason == "" {
		writeError(w, "reason is required for blacklisting", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	rec, err := h.mgr.Blacklist(r.Context(), r.PathValue("name"), r.PathValue("version"), req.Actor, req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pluginView(rec))
}

func (h *Handlers) handleTransition(w http.ResponseWriter, r *http.Request, apply func(LifecycleRequest) (*plugin.Record, error)) {
	// Actor is optional; an empty body means an anonymous operator.
	var req LifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	rec, err := apply(req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pluginView(rec))
}

// HandleExecute runs an approved plugin and returns the outcome. A
// failed or timed-out run is still a 200: the result is the verdict.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	// An empty body means no arguments.
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	result, err := h.mgr.Execute(r.Context(), r.PathValue("name"), r.PathValue("version"), req.Args)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executionView(result))
}

// HandleExecuteStream runs an approved plugin, streaming stdout and
// stderr as server-sent events, ending with a done (or error) event.
func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	stream := newEventStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The stream stays open for the whole execution; the server-wide
	// write timeout must not cut it off mid-run.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	stdout := stream.Writer("stdout")
	stderr := stream.Writer("stderr")

	result, err := h.mgr.ExecuteStreaming(r.Context(), r.PathValue("name"), r.PathValue("version"), req.Args, stdout, stderr)
	if err != nil {
		// Refusals and setup failures happen before any output, so the
		// client gets a clean error event.
		log.Warn().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("streaming execution refused")
		_ = stream.send("error", []byte(err.Error()))
		return
	}

	doneData, _ := json.Marshal(map[string]any{
		"id":        result.ID,
		"exit_code": result.ExitCode,
		"success":   result.Success,
		"timed_out": result.TimedOut,
		"duration":  result.Duration.String(),
	})
	_ = stream.send("done", doneData)
}

// HandleListProcesses reports live resource usage for watched
// executions.
func (h *Handlers) HandleListProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Processes())
}

// HandleKillProcess force-kills a watched execution that has breached
// its memory limit. The monitor takes no action on its own; this is
// the operator's remediation path.
func (h *Handlers) HandleKillProcess(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(r.PathValue("pid"))
	if err != nil || pid <= 0 {
		writeError(w, "invalid pid", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	killed, err := h.mgr.KillProcess(pid)
	if errors.Is(err, monitor.ErrNotWatched) {
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		writeError(w, err.Error(), "KILL_FAILED", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, KillResponse{PID: pid, Killed: killed})
}

// HandleGetExecution retrieves a single audit record by ID.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	row, err := h.db.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// HandleListExecutions queries the audit log.
func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.ExecutionFilter{
		Plugin: r.URL.Query().Get("plugin"),
		Status: r.URL.Query().Get("status"),
		Limit:  100,
	}

	rows, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("audit query failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// stageArtifact decodes a base64 artifact into a temp file the
// analyzer and registry can read. The caller removes it.
func stageArtifact(kind plugin.Kind, artifact string) (string, func(), error) {
	if artifact == "" {
		return "", nil, errors.New("artifact is required")
	}
	data, err := base64.StdEncoding.DecodeString(artifact)
	if err != nil {
		return "", nil, fmt.Errorf("artifact is not valid base64: %w", err)
	}

	f, err := os.CreateTemp("", "warden-upload-*"+kind.Extension())
	if err != nil {
		return "", nil, fmt.Errorf("staging artifact: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("staging artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("staging artifact: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// writeDomainError maps well-known sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, registry.ErrAlreadyRegistered):
		writeError(w, err.Error(), "ALREADY_REGISTERED", http.StatusConflict, r)
	case errors.Is(err, registry.ErrInvalidTransition):
		writeError(w, err.Error(), "INVALID_TRANSITION", http.StatusConflict, r)
	case errors.Is(err, registry.ErrArtifactTooLarge):
		writeError(w, err.Error(), "ARTIFACT_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
	case errors.Is(err, plugin.ErrInvalidMetadata), errors.Is(err, plugin.ErrUnknownKind):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	case errors.Is(err, manager.ErrPluginBlacklisted):
		writeError(w, err.Error(), "PLUGIN_BLACKLISTED", http.StatusForbidden, r)
	case errors.Is(err, manager.ErrPluginNotApproved):
		writeError(w, err.Error(), "PLUGIN_NOT_APPROVED", http.StatusForbidden, r)
	case errors.Is(err, runtime.ErrUnsupportedKind):
		writeError(w, err.Error(), "UNSUPPORTED_KIND", http.StatusUnprocessableEntity, r)
	case errors.Is(err, sandbox.ErrBackendUnavailable):
		writeError(w, err.Error(), "BACKEND_UNAVAILABLE", http.StatusServiceUnavailable, r)
	case sandbox.IsInvalidRequest(err):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	default:
		log.Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
