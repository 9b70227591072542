package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/snapshots"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// stopTask kills a still-running task and waits briefly for it to
// report its exit.
func (r *Runner) stopTask(ctx context.Context, task containerd.Task, logger zerolog.Logger) {
	status, err := task.Status(ctx)
	if err != nil || status.Status == containerd.Stopped {
		return
	}

	logger.Debug().Msg("killing running task")
	_ = task.Kill(ctx, 9)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exitCh, _ := task.Wait(waitCtx)
	if exitCh == nil {
		return
	}
	select {
	case <-exitCh:
	case <-waitCtx.Done():
		logger.Warn().Msg("timed out waiting for task to stop")
	}
}

func (r *Runner) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(r.client.WithNamespace(ctx), 30*time.Second)
	defer cancel()

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		r.stopTask(cleanupCtx, task, logger)
		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		logger.Error().Err(err).Msg("failed to delete container")
		return fmt.Errorf("deleting container %s: %w", id, err)
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// CleanupOrphaned removes execution containers left over from previous
// runs.
func (r *Runner) CleanupOrphaned(ctx context.Context) (int, error) {
	nsCtx := r.client.WithNamespace(ctx)

	containers, err := r.client.Raw().Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range containers {
		id := c.ID()
		if !strings.HasPrefix(id, "warden-") {
			continue
		}

		logger := log.With().Str("container_id", id).Logger()
		logger.Info().Msg("cleaning up orphaned execution container")

		if err := r.cleanupContainer(ctx, c); err != nil {
			logger.Error().Err(err).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned up orphaned containers")
	}

	return cleaned, nil
}

// PruneSnapshots removes execution snapshots whose container no longer
// exists. A crash between snapshot creation and container registration
// leaks the snapshot, and container deletion never sees it.
func (r *Runner) PruneSnapshots(ctx context.Context) (int, error) {
	nsCtx := r.client.WithNamespace(ctx)

	inUse := make(map[string]bool)
	containers, err := r.client.Raw().Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	for _, c := range containers {
		if info, err := c.Info(nsCtx); err == nil && info.SnapshotKey != "" {
			inUse[info.SnapshotKey] = true
		}
	}

	sn := r.client.Raw().SnapshotService(containerd.DefaultSnapshotter)
	var stale []string
	err = sn.Walk(nsCtx, func(_ context.Context, info snapshots.Info) error {
		if strings.HasPrefix(info.Name, "warden-") && strings.HasSuffix(info.Name, "-snapshot") && !inUse[info.Name] {
			stale = append(stale, info.Name)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking snapshots: %w", err)
	}

	var pruned int
	for _, name := range stale {
		if err := sn.Remove(nsCtx, name); err != nil {
			if !errdefs.IsNotFound(err) {
				log.Warn().Err(err).Str("snapshot", name).Msg("failed to remove stale snapshot")
			}
			continue
		}
		pruned++
	}
	if pruned > 0 {
		log.Info().Int("count", pruned).Msg("pruned stale execution snapshots")
	}
	return pruned, nil
}
