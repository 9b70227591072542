package monitor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotWatched is returned for PIDs the monitor does not track.
var ErrNotWatched = errors.New("process is not watched")

// Usage is a point-in-time resource reading for one watched process.
type Usage struct {
	PID        int       `json:"pid"`
	RSSMB      float64   `json:"rss_mb"`
	CPUPercent float64   `json:"cpu_percent"`
	Status     string    `json:"status,omitempty"`
	OverLimit  bool      `json:"over_limit"`
	MemLimitMB int64     `json:"mem_limit_mb,omitempty"`
	Since      time.Time `json:"since"`
}

// ResourceMonitor tracks sandboxed processes for the lifetime of their
// execution. It takes no action on its own: the kernel enforces the
// hard limits, and Check/KillIfOverLimit run only when called. It
// implements sandbox.ProcessWatcher.
type ResourceMonitor struct {
	mu      sync.RWMutex
	watched map[int]watchedProc
	log     zerolog.Logger
}

type watchedProc struct {
	memLimitMB int64
	since      time.Time
}

func NewResourceMonitor() *ResourceMonitor {
	return &ResourceMonitor{
		watched: make(map[int]watchedProc),
		log:     log.With().Str("component", "resmon").Logger(),
	}
}

// Watch registers a PID with its memory limit for the duration of an
// execution.
func (m *ResourceMonitor) Watch(pid int, memLimitMB int64) {
	m.mu.Lock()
	m.watched[pid] = watchedProc{memLimitMB: memLimitMB, since: time.Now().UTC()}
	m.mu.Unlock()
}

// Unwatch removes a PID. Safe to call for PIDs that were never
// watched.
func (m *ResourceMonitor) Unwatch(pid int) {
	m.mu.Lock()
	delete(m.watched, pid)
	m.mu.Unlock()
}

// Count returns the number of watched processes.
func (m *ResourceMonitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watched)
}

// Check reads current usage for a watched PID.
func (m *ResourceMonitor) Check(pid int) (Usage, error) {
	m.mu.RLock()
	w, ok := m.watched[pid]
	m.mu.RUnlock()
	if !ok {
		return Usage{}, fmt.Errorf("pid %d: %w", pid, ErrNotWatched)
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("probe pid %d: %w", pid, err)
	}

	usage := Usage{PID: pid, MemLimitMB: w.memLimitMB, Since: w.since}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		usage.RSSMB = float64(mem.RSS) / (1 << 20)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		usage.CPUPercent = cpu
	}
	if st, err := proc.Status(); err == nil && len(st) > 0 {
		usage.Status = st[0]
	}
	usage.OverLimit = w.memLimitMB > 0 && usage.RSSMB > float64(w.memLimitMB)
	return usage, nil
}

// KillIfOverLimit kills a watched process whose RSS exceeds its
// memory limit. A process that is already gone counts as success:
// there is nothing left to contain.
func (m *ResourceMonitor) KillIfOverLimit(pid int) (bool, error) {
	m.mu.RLock()
	w, ok := m.watched[pid]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("pid %d: %w", pid, ErrNotWatched)
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, nil
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return false, nil
	}
	rssMB := float64(mem.RSS) / (1 << 20)
	if w.memLimitMB <= 0 || rssMB <= float64(w.memLimitMB) {
		return false, nil
	}

	if err := proc.Kill(); err != nil {
		if running, rerr := proc.IsRunning(); rerr == nil && !running {
			return true, nil
		}
		return false, fmt.Errorf("kill pid %d: %w", pid, err)
	}
	m.log.Warn().
		Int("pid", pid).
		Float64("rss_mb", rssMB).
		Int64("limit_mb", w.memLimitMB).
		Msg("killed process over memory limit")
	return true, nil
}

// Snapshot returns usage for every watched process that can still be
// probed, sorted by PID.
func (m *ResourceMonitor) Snapshot() []Usage {
	m.mu.RLock()
	pids := make([]int, 0, len(m.watched))
	for pid := range m.watched {
		pids = append(pids, pid)
	}
	m.mu.RUnlock()

	out := make([]Usage, 0, len(pids))
	for _, pid := range pids {
		u, err := m.Check(pid)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Sweep records one observation per watched process into the metrics.
// It never kills anything; enforcement belongs to the kernel limits
// set at spawn time.
func (m *ResourceMonitor) Sweep(metrics *Metrics) {
	snapshot := m.Snapshot()
	for _, u := range snapshot {
		if u.OverLimit {
			m.log.Warn().
				Int("pid", u.PID).
				Float64("rss_mb", u.RSSMB).
				Int64("limit_mb", u.MemLimitMB).
				Msg("watched process over memory limit")
		}
	}
	if metrics != nil {
		metrics.WatchedProcesses.Set(float64(m.Count()))
	}
}
