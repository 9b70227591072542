package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProcessWatcher receives the PID of every confined process for the
// duration of its execution.
type ProcessWatcher interface {
	Watch(pid int, memLimitMB int64)
	Unwatch(pid int)
}

// ProcessOptions configures the process backend.
type ProcessOptions struct {
	MaxConcurrent int
	MaxTimeout    time.Duration
	EnableJail    bool     // build a chroot jail per execution (root only)
	JailBinaries  []string // host binaries copied into the jail
	AllowedEnv    []string // host env keys passed through to the child
	Watcher       ProcessWatcher
}

// ProcessRunner executes commands as resource-limited child processes.
// Limits are applied inside the child before user code runs: a shell
// wrapper calls ulimit (setrlimit) and then execs the payload, so the
// payload never runs unlimited. Each execution gets a fresh scratch
// directory, a minimal environment, and its own process group.
type ProcessRunner struct {
	sem        chan struct{}
	active     atomic.Int64
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	maxTimeout time.Duration
	enableJail bool
	jailBins   []string
	allowedEnv []string
	dropPriv   bool
	watcher    ProcessWatcher
}

func NewProcessRunner(opts ProcessOptions) *ProcessRunner {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 100
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 5 * time.Minute
	}

	isRoot := os.Geteuid() == 0
	enableJail := opts.EnableJail
	if enableJail && !isRoot {
		log.Warn().Msg("chroot jail requires root privilege, running without jail")
		enableJail = false
	}
	if !isRoot {
		log.Warn().Msg("not running as root, child processes keep the server's uid")
	}

	return &ProcessRunner{
		sem:        make(chan struct{}, opts.MaxConcurrent),
		maxTimeout: opts.MaxTimeout,
		enableJail: enableJail,
		jailBins:   opts.JailBinaries,
		allowedEnv: opts.AllowedEnv,
		dropPriv:   isRoot,
		watcher:    opts.Watcher,
	}
}

func (p *ProcessRunner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return p.executeInternal(ctx, req, io.Discard, io.Discard)
}

func (p *ProcessRunner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return p.executeInternal(ctx, req, stdout, stderr)
}

func (p *ProcessRunner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := uuid.New().String()

	if err := p.validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	logger := log.With().
		Str("exec_id", execID).
		Str("command", req.Command[0]).
		Logger()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrClosed}
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	p.wg.Add(1)
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	limits := req.Isolation.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}

	timeout := timeoutFor(req)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scratch, err := os.MkdirTemp("", "warden-"+execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_scratch", Err: err}
	}
	defer os.RemoveAll(scratch)

	if p.dropPriv {
		if err := os.Chown(scratch, sandboxUID, sandboxGID); err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "chown_scratch", Err: err}
		}
	}

	var chrootDir string
	if p.enableJail {
		jail, jerr := buildJail(scratch, p.jailBins)
		if jerr != nil {
			logger.Warn().Err(jerr).Msg("chroot jail build failed, continuing without jail")
		} else {
			chrootDir = jail
		}
	}

	// The wrapper applies every rlimit and then execs the payload via
	// "$@", so limit values never touch the argv of user code and user
	// args never touch the script.
	shellArgs := append([]string{"-c", ulimitScript(limits), "warden"}, req.Command...)

	cmd := exec.CommandContext(execCtx, "/bin/sh", shellArgs...) // #nosec G204 -- argv vector, no shell interpolation of user input
	cmd.Env = buildProcessEnv(scratchOrTmp(chrootDir, scratch), req.Isolation.Env, p.allowedEnv)
	cmd.Stdin = bytes.NewReader(req.Stdin)

	attr := &syscall.SysProcAttr{Setpgid: true}
	if p.dropPriv {
		attr.Credential = &syscall.Credential{Uid: sandboxUID, Gid: sandboxGID, Groups: []uint32{}}
	}
	if chrootDir != "" {
		attr.Chroot = chrootDir
		cmd.Dir = "/tmp"
	} else {
		cmd.Dir = scratch
	}
	cmd.SysProcAttr = attr

	stdoutBuf := &limitedWriter{max: maxStdoutBytes}
	stderrBuf := &limitedWriter{max: maxStderrBytes}
	cmd.Stdout = io.MultiWriter(stdoutBuf, stdout)
	cmd.Stderr = io.MultiWriter(stderrBuf, stderr)

	// On deadline, kill the whole group so grandchildren die with the
	// payload. WaitDelay keeps Wait from hanging on inherited pipes.
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = 3 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "start", Err: err}
	}

	pid := cmd.Process.Pid
	logger.Info().Int("pid", pid).Msg("process execution started")

	if p.watcher != nil {
		p.watcher.Watch(pid, limits.MemoryMB)
		defer p.watcher.Unwatch(pid)
	}
	defer p.reapGroup(pid, logger)

	waitErr := cmd.Wait()
	duration := time.Since(start)
	usage := usageFromState(cmd.ProcessState)

	if execCtx.Err() == context.DeadlineExceeded {
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, process group killed")
		// Output of a timed-out run is dropped: it is untrusted partial
		// state, and callers must not act on it.
		return &ExecutionResult{
			ID:       execID,
			ExitCode: -1,
			TimedOut: true,
			Error:    fmt.Sprintf("execution timed out after %s", timeout),
			Duration: duration,
			Usage:    usage,
		}, nil
	}
	if execCtx.Err() == context.Canceled {
		return nil, &ExecutionError{ExecID: execID, Op: "wait", Err: context.Canceled}
	}

	exitCode := 0
	errMsg := ""
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				// Shell convention: 128+signal. A SIGKILL from the OOM
				// killer or rlimit enforcement reports as 137.
				exitCode = 128 + int(ws.Signal())
			}
			errMsg = waitErr.Error()
		} else {
			return nil, &ExecutionError{ExecID: execID, Op: "wait", Err: waitErr}
		}
	}

	logger.Info().
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("process execution completed")

	return &ExecutionResult{
		ID:       execID,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Success:  exitCode == 0,
		Error:    errMsg,
		Duration: duration,
		Usage:    usage,
	}, nil
}

const (
	sandboxUID = 65534
	sandboxGID = 65534
)

// ulimitScript emits the setrlimit calls the shell runs before exec.
// -v is KiB of address space, -t CPU seconds, -u processes, -f file
// blocks (1024B in bash, 512B in dash; the dash reading is stricter,
// which is acceptable), -n open files. -u may be unsupported or
// unlowerable on some hosts and is allowed to fail quietly.
func ulimitScript(rl ResourceLimits) string {
	return fmt.Sprintf(
		"ulimit -v %d; ulimit -t %d; ulimit -u %d 2>/dev/null; ulimit -f %d; ulimit -n %d; exec \"$@\"",
		rl.MemoryMB*1024,
		rl.CPUTimeSecs,
		rl.MaxProcesses,
		rl.MaxFileSizeMB*1024,
		rl.MaxOpenFiles,
	)
}

func scratchOrTmp(chrootDir, scratch string) string {
	if chrootDir != "" {
		return "/tmp"
	}
	return scratch
}

// reapGroup finishes off process group members that outlived the
// leader: TERM first, then KILL after a short grace.
func (p *ProcessRunner) reapGroup(pgid int, logger zerolog.Logger) {
	if syscall.Kill(-pgid, 0) != nil {
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if syscall.Kill(-pgid, 0) != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	logger.Warn().Int("pgid", pgid).Msg("process group survived SIGTERM, escalating to SIGKILL")
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func usageFromState(state *os.ProcessState) ResourceUsage {
	if state == nil {
		return ResourceUsage{}
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return ResourceUsage{}
	}
	cpuMS := int64(ru.Utime.Sec)*1000 + int64(ru.Utime.Usec)/1000 +
		int64(ru.Stime.Sec)*1000 + int64(ru.Stime.Usec)/1000
	return ResourceUsage{
		CPUTimeMS:    cpuMS,
		MemoryPeakMB: int64(ru.Maxrss) / 1024, // Maxrss is KiB on Linux
	}
}

func (p *ProcessRunner) validateRequest(req ExecutionRequest) error {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return fmt.Errorf("%w: command is empty", ErrInvalidRequest)
	}
	if req.Timeout > p.maxTimeout {
		return fmt.Errorf("%w: timeout exceeds %s maximum", ErrInvalidRequest, p.maxTimeout)
	}
	if k := req.Isolation.Kind; k != "" && k != IsolationProcess {
		return fmt.Errorf("%w: process backend cannot honor isolation kind %q", ErrInvalidRequest, k)
	}
	if req.Isolation.Limits != (ResourceLimits{}) {
		if err := req.Isolation.Limits.Validate(); err != nil {
			return err
		}
	}
	for key := range req.Isolation.Env {
		if err := validateEnvKey(key); err != nil {
			return err
		}
	}
	return nil
}

// ActiveCount returns the number of currently running executions.
func (p *ProcessRunner) ActiveCount() int64 {
	return p.active.Load()
}

// Close waits for active executions to drain, up to 30s.
func (p *ProcessRunner) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all process executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", p.active.Load()).Msg("timed out waiting for process executions to drain")
	}
	return nil
}

// limitedWriter caps captured output; writes past the cap are counted
// but discarded so a flooding child cannot exhaust server memory.
type limitedWriter struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.buf.Len() >= l.max {
		if len(p) > 0 {
			l.truncated = true
		}
		return len(p), nil
	}
	if remaining := l.max - l.buf.Len(); len(p) > remaining {
		l.buf.Write(p[:remaining])
		l.truncated = true
		return len(p), nil
	}
	return l.buf.Write(p)
}

// String returns the captured output, with a marker when the cap
// discarded anything.
func (l *limitedWriter) String() string {
	if l.truncated {
		return l.buf.String() + "\n... [output truncated]"
	}
	return l.buf.String()
}
