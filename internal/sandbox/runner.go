package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// Runner is the containerd-based container backend. It is preferred over
// DockerRunner when a containerd socket is reachable, because it gives
// per-task exit status and snapshot cleanup without shelling out.
type Runner struct {
	client       *Client
	sem          chan struct{} // Concurrency limiter
	active       atomic.Int64  // Active execution count
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects shutdown state
	closed       bool
	allowedRoots []string       // ArtifactDir must be under one of these
	watcher      ProcessWatcher // optional, receives task init PIDs
}

// NewRunner creates a new containerd runner. A nil watcher disables
// resource monitoring of task init processes.
func NewRunner(ctx context.Context, client *Client, maxConcurrent int, allowedRoots []string, watcher ProcessWatcher) (*Runner, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	if !client.Healthy(ctx) {
		return nil, ErrBackendUnavailable
	}

	return &Runner{
		client:       client,
		sem:          make(chan struct{}, maxConcurrent),
		allowedRoots: allowedRoots,
		watcher:      watcher,
	}, nil
}

// Execute runs the requested command in an isolated container.
func (r *Runner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return r.executeInternal(ctx, req, io.Discard, io.Discard)
}

// ExecuteStreaming runs the command, streaming stdout/stderr to the
// provided writers as it is produced.
func (r *Runner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return r.executeInternal(ctx, req, stdout, stderr)
}

func (r *Runner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := uuid.New().String()

	if err := r.validateRequest(&req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	logger := log.With().
		Str("exec_id", execID).
		Str("image", req.Image).
		Str("command", req.Command[0]).
		Logger()

	logger.Info().Msg("container execution requested")

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrClosed}
	}
	r.mu.Unlock()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	r.wg.Add(1)
	defer r.wg.Done()
	r.active.Add(1)
	defer r.active.Add(-1)

	timeout := timeoutFor(req)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	// Recover from a containerd daemon restart before the first client call.
	if !r.client.Healthy(execCtx) {
		if err := r.client.Reconnect(execCtx); err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "connect", Err: err}
		}
	}

	image, err := r.client.PullImage(execCtx, req.Image)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "pull_image", Err: err}
	}

	secProfile := DefaultSecurityProfile()
	if req.Isolation.NetworkEnabled {
		secProfile = NetworkAllowedSecurityProfile()
	}

	limits := req.Isolation.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}

	containerID := "warden-" + execID

	container, err := r.createContainer(execCtx, containerID, image, req, secProfile, limits)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_container", Err: err}
	}
	// Always cleanup, even on panic
	defer func() {
		if cleanErr := r.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	stdoutBuf := &limitedWriter{max: maxStdoutBytes}
	stderrBuf := &limitedWriter{max: maxStderrBytes}
	stdoutWriter := io.MultiWriter(stdoutBuf, stdout)
	stderrWriter := io.MultiWriter(stderrBuf, stderr)

	var stdin io.Reader
	if len(req.Stdin) > 0 {
		stdin = bytes.NewReader(req.Stdin)
	}

	task, err := container.NewTask(r.client.WithNamespace(execCtx),
		cio.NewCreator(cio.WithStreams(stdin, stdoutWriter, stderrWriter)),
	)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_task", Err: err}
	}
	defer func() {
		if _, err := task.Delete(r.client.WithNamespace(context.Background()), containerd.WithProcessKill); err != nil {
			logger.Error().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(r.client.WithNamespace(execCtx))
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_wait", Err: err}
	}

	if err := task.Start(r.client.WithNamespace(execCtx)); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_start", Err: err}
	}

	// The cgroup enforces the limits; the watcher only makes the task
	// visible to the monitoring API alongside process executions.
	if r.watcher != nil {
		pid := int(task.Pid())
		r.watcher.Watch(pid, limits.MemoryMB)
		defer r.watcher.Unwatch(pid)
	}

	logger.Info().Msg("task started")

	var exitCode int
	var securityEvents []SecurityEvent
	errMsg := ""

	select {
	case status := <-exitCh:
		exitCode = int(status.ExitCode())
		if exitCode == 137 {
			securityEvents = append(securityEvents, SecurityEvent{
				Type:   "oom_kill",
				Detail: "process killed (OOM or resource limit)",
			})
		}
		if exitCode != 0 {
			errMsg = fmt.Sprintf("exit status %d", exitCode)
		}

	case <-execCtx.Done():
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, killing task")
		if err := task.Kill(r.client.WithNamespace(context.Background()), 9); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh

		return &ExecutionResult{
			ID:       execID,
			ExitCode: -1,
			TimedOut: true,
			Error:    fmt.Sprintf("execution timed out after %s", timeout),
			Duration: time.Since(start),
			SecurityEvents: []SecurityEvent{{
				Type:   "timeout",
				Detail: fmt.Sprintf("execution exceeded %s timeout", timeout),
			}},
		}, nil
	}

	duration := time.Since(start)
	logger.Info().
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("execution completed")

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

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close shuts down the runner, waiting for active executions.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all containerd executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", r.active.Load()).Msg("timed out waiting for containerd executions to drain")
	}
	return nil
}

func (r *Runner) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	req ExecutionRequest,
	secProfile SecurityProfile,
	limits ResourceLimits,
) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(req.Command...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, secProfile)
				ApplyResourceLimits(s, limits, req.Isolation.ScratchSpaceMB)

				if req.ArtifactDir != "" {
					s.Mounts = append(s.Mounts, specs.Mount{
						Destination: "/workspace",
						Type:        "bind",
						Source:      req.ArtifactDir,
						Options:     []string{"rbind", "ro"},
					})
				}
				for _, p := range req.Isolation.AllowedPaths {
					s.Mounts = append(s.Mounts, specs.Mount{
						Destination: p,
						Type:        "bind",
						Source:      p,
						Options:     []string{"rbind", "ro"},
					})
				}

				s.Process.Env = containerEnv(req.Isolation.Env)
				s.Process.Cwd = "/tmp"

				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

func (r *Runner) validateRequest(req *ExecutionRequest) error {
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
		real, err := resolveArtifactDir(req.ArtifactDir, r.allowedRoots)
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
