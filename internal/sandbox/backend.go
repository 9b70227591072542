package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"github.com/rs/zerolog/log"

	"plugin-warden/internal/config"
)

// Backend executes commands under one isolation kind. Implementations
// report untrusted-code failures (non-zero exit, timeout, kill) inside
// the result; the error return is reserved for infrastructure faults.
type Backend interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error)
	Close() error
}

// NewBackend builds the backend for an isolation kind. The watcher is
// optional; pass nil to skip resource monitoring. The docker backend
// ignores it (the CLI exposes no host PID to watch).
func NewBackend(ctx context.Context, cfg *config.Config, kind IsolationKind, watcher ProcessWatcher) (Backend, error) {
	switch kind {
	case IsolationProcess:
		return newProcessBackend(cfg, watcher), nil
	case IsolationContainer:
		return newContainerBackend(ctx, cfg, watcher)
	case IsolationVM, IsolationChroot, IsolationNamespace:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedIsolation, kind)
	default:
		return nil, fmt.Errorf("%w: unknown isolation kind %q", ErrInvalidRequest, kind)
	}
}

func newProcessBackend(cfg *config.Config, watcher ProcessWatcher) Backend {
	return NewProcessRunner(ProcessOptions{
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		MaxTimeout:    cfg.Sandbox.MaxTimeout,
		EnableJail:    cfg.Sandbox.Process.EnableJail,
		JailBinaries:  cfg.Sandbox.Process.JailBinaries,
		AllowedEnv:    cfg.Sandbox.Process.AllowedEnv,
		Watcher:       watcher,
	})
}

// newContainerBackend picks the best available container runtime:
// containerd on Linux, Docker elsewhere.
func newContainerBackend(ctx context.Context, cfg *config.Config, watcher ProcessWatcher) (Backend, error) {
	preference := cfg.Sandbox.ContainerRuntime
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return newContainerdBackend(ctx, cfg, watcher)
	case "docker":
		return newDockerBackend(cfg)
	case "auto":
		if runtime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, cfg, watcher)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(cfg)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}

		return nil, fmt.Errorf("%w: install Docker (macOS/Windows) or containerd (Linux)", ErrBackendUnavailable)
	default:
		return nil, fmt.Errorf("unknown container runtime %q: must be auto, containerd, or docker", preference)
	}
}

func newContainerdBackend(ctx context.Context, cfg *config.Config, watcher ProcessWatcher) (Backend, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	runner, err := NewRunner(ctx, client, cfg.Sandbox.MaxConcurrent, cfg.Sandbox.AllowedArtifactRoots, watcher)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	if pruned, err := runner.PruneSnapshots(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to prune stale snapshots")
	} else if pruned > 0 {
		log.Info().Int("count", pruned).Msg("pruned stale snapshots on startup")
	}

	return runner, nil
}

func newDockerBackend(cfg *config.Config) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	return NewDockerRunner(cfg.Sandbox.MaxConcurrent, cfg.Sandbox.AllowedArtifactRoots), nil
}
