package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"plugin-warden/pkg/seccomp"
)

// DockerRunner is the docker-CLI container backend, used where the
// containerd API is not available. Every execution is a cold start of a
// maximally restricted container; there is no container reuse.
type DockerRunner struct {
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	dockerHost    string   // resolved DOCKER_HOST (e.g. from a docker context)
	allowedRoots  []string // ArtifactDir must be under one of these
	cancelCleanup context.CancelFunc
}

func NewDockerRunner(maxConcurrent int, allowedRoots []string) *DockerRunner {
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	d := &DockerRunner{
		sem:          make(chan struct{}, maxConcurrent),
		dockerHost:   resolveDockerHost(),
		allowedRoots: allowedRoots,
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

// orphanCleanupLoop periodically removes containers that survived a
// server crash.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans() {
	cmd := exec.Command("docker", "ps", "--filter", "name=warden-", "-q") // #nosec G204 -- no user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	out, err := cmd.Output()
	if err != nil {
		return
	}
	ids := strings.Fields(strings.TrimSpace(string(out)))
	for _, id := range ids {
		log.Warn().Str("container_id", id).Msg("removing orphaned execution container")
		kill := exec.Command("docker", "rm", "-f", id) // #nosec G204 -- id from docker ps
		if d.dockerHost != "" {
			kill.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
		}
		_ = kill.Run()
	}
}

// resolveDockerHost figures out the docker socket. Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRunner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return d.executeInternal(ctx, req, io.Discard, io.Discard)
}

func (d *DockerRunner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return d.executeInternal(ctx, req, stdout, stderr)
}

func (d *DockerRunner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := uuid.New().String()

	if err := d.validateRequest(&req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	logger := log.With().
		Str("exec_id", execID).
		Str("image", req.Image).
		Str("command", req.Command[0]).
		Logger()

	logger.Info().Msg("docker execution requested")

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	timeout := timeoutFor(req)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hostDir, err := os.MkdirTemp("", "warden-"+execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(hostDir)

	// Write the seccomp profile to a temp file for --security-opt.
	var profileJSON []byte
	var profileErr error
	if req.Isolation.NetworkEnabled {
		profileJSON, profileErr = seccomp.DockerNetworkProfileJSON()
	} else {
		profileJSON, profileErr = seccomp.DockerProfileJSON()
	}
	if profileErr != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "seccomp_profile", Err: profileErr}
	}
	seccompPath := filepath.Join(hostDir, "seccomp.json")
	if err := os.WriteFile(seccompPath, profileJSON, 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_seccomp", Err: err}
	}

	args := d.buildDockerArgs(execID, seccompPath, req)

	start := time.Now()

	cmd := exec.CommandContext(execCtx, "docker", args...) // #nosec G204 -- args built internally by buildDockerArgs, not from raw user input

	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	stdoutBuf := &limitedWriter{max: maxStdoutBytes}
	stderrBuf := &limitedWriter{max: maxStderrBytes}
	cmd.Stdout = io.MultiWriter(stdoutBuf, stdout)
	cmd.Stderr = io.MultiWriter(stderrBuf, stderr)

	logger.Info().Strs("args", args[:5]).Msg("starting container")

	err = cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		// docker run was killed; remove the container it left behind.
		d.forceRemove(execID)
		logger.Warn().Dur("timeout", timeout).Msg("container execution timed out")
		return &ExecutionResult{
			ID:       execID,
			ExitCode: -1,
			TimedOut: true,
			Error:    fmt.Sprintf("execution timed out after %s", timeout),
			Duration: duration,
			SecurityEvents: []SecurityEvent{{
				Type:   "timeout",
				Detail: fmt.Sprintf("execution exceeded %s timeout", timeout),
			}},
		}, nil
	}

	var exitCode int
	var securityEvents []SecurityEvent
	errMsg := ""

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			errMsg = err.Error()
			if exitCode == 137 {
				securityEvents = append(securityEvents, SecurityEvent{
					Type:   "oom_kill",
					Detail: "process killed (OOM or resource limit)",
				})
			}
		} else {
			return nil, &ExecutionError{ExecID: execID, Op: "docker_run", Err: err}
		}
	}

	logger.Info().
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("docker execution completed")

	return &ExecutionResult{
		ID:             execID,
		Stdout:         stdoutBuf.String(),
		Stderr:         stderrBuf.String(),
		ExitCode:       exitCode,
		Success:        exitCode == 0,
		Error:          errMsg,
		Duration:       duration,
		SecurityEvents: securityEvents,
	}, nil
}

// forceRemove cleans up the named container after a timeout kill of the
// docker CLI left it running.
func (d *DockerRunner) forceRemove(execID string) {
	rm := exec.Command("docker", "rm", "-f", "warden-"+execID) // #nosec G204 -- internal id
	if d.dockerHost != "" {
		rm.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	_ = rm.Run()
}

func (d *DockerRunner) buildDockerArgs(execID, seccompPath string, req ExecutionRequest) []string {
	limits := req.Isolation.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}
	scratchMB := req.Isolation.ScratchSpaceMB
	if scratchMB < 1 {
		scratchMB = 64
	}

	network := "none"
	if req.Isolation.NetworkEnabled {
		network = "bridge"
	}

	args := []string{
		"run", "--rm",
		"--name", "warden-" + execID,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.MaxProcesses),
		"--cpus", "1.0",
		"--ulimit", fmt.Sprintf("cpu=%d:%d", limits.CPUTimeSecs, limits.CPUTimeSecs),
		"--ulimit", fmt.Sprintf("fsize=%d:%d", limits.MaxFileSizeMB*1024*1024, limits.MaxFileSizeMB*1024*1024),
		"--ulimit", fmt.Sprintf("nofile=%d:%d", limits.MaxOpenFiles, limits.MaxOpenFiles),
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,nodev,size=%dm", scratchMB),
		"--read-only",
		"--user", "65534:65534",
		"--workdir", "/tmp",
	}

	if len(req.Stdin) > 0 {
		args = append(args, "-i")
	}

	if req.ArtifactDir != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/workspace:ro", req.ArtifactDir))
	}
	for _, p := range req.Isolation.AllowedPaths {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", p, p))
	}

	for _, env := range containerEnv(req.Isolation.Env) {
		args = append(args, "-e", env)
	}

	args = append(args, req.Image)
	args = append(args, req.Command...)

	return args
}

func (d *DockerRunner) validateRequest(req *ExecutionRequest) error {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return fmt.Errorf("%w: command is empty", ErrInvalidRequest)
	}
	if req.Image == "" {
		return fmt.Errorf("%w: container image is required", ErrInvalidRequest)
	}
	if req.Timeout > 5*time.Minute {
		return fmt.Errorf("%w: timeout exceeds 5m maximum", ErrInvalidRequest)
	}
	if k := req.Isolation.Kind; k != "" && k != IsolationContainer {
		return fmt.Errorf("%w: container backend cannot honor isolation kind %q", ErrInvalidRequest, k)
	}

	if req.ArtifactDir != "" {
		real, err := resolveArtifactDir(req.ArtifactDir, d.allowedRoots)
		if err != nil {
			return err
		}
		req.ArtifactDir = real
	}
	if err := checkReadOnlyMounts(req.Isolation.AllowedPaths, req.Isolation.BlockedPaths); err != nil {
		return err
	}

	for key := range req.Isolation.Env {
		if err := validateEnvKey(key); err != nil {
			return err
		}
	}
	if req.Isolation.Limits != (ResourceLimits{}) {
		if err := req.Isolation.Limits.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	// Wait up to 30s for active executions to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker executions to drain")
	}
	return nil
}
