package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"plugin-warden/internal/plugin"
)

// Sentinel errors for typed error checking.
var (
	ErrAlreadyRegistered = errors.New("plugin already registered")
	ErrNotFound          = errors.New("plugin not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrArtifactTooLarge  = errors.New("artifact exceeds size limit")
)

// Store is the persistence hook for registry records. A nil Store
// keeps the registry memory-only.
type Store interface {
	SavePlugin(ctx context.Context, rec plugin.Record) error
	LoadPlugins(ctx context.Context) ([]plugin.Record, error)
}

// Registry owns the plugin lifecycle: artifact custody, the status
// table, and the audit stamps on every transition. It never executes
// plugin code.
type Registry struct {
	dir      string
	maxBytes int64
	store    Store
	log      zerolog.Logger

	mu      sync.RWMutex
	records map[string]*entry
}

// entry serializes transitions on a single record. The registry lock
// only guards the map itself.
type entry struct {
	mu  sync.Mutex
	rec plugin.Record
}

// New creates a registry storing artifact copies under dir.
func New(dir string, maxArtifactMB int, store Store) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("registry: plugin dir required")
	}
	if maxArtifactMB < 1 {
		maxArtifactMB = 1
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create plugin dir: %w", err)
	}
	return &Registry{
		dir:      dir,
		maxBytes: int64(maxArtifactMB) << 20,
		store:    store,
		log:      log.With().Str("component", "registry").Logger(),
		records:  make(map[string]*entry),
	}, nil
}

// Load hydrates the in-memory table from the store. Call once at
// startup, before the registry serves requests.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.LoadPlugins(ctx)
	if err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if _, err := os.Stat(rec.Path); err != nil {
			r.log.Warn().Str("plugin", rec.Metadata.Ref()).Str("path", rec.Path).
				Msg("stored plugin artifact missing on disk")
		}
		r.records[rec.Metadata.Ref()] = &entry{rec: rec}
	}
	r.log.Info().Int("count", len(recs)).Msg("registry loaded from store")
	return nil
}

// Register copies the artifact into the registry store, checksums it,
// and creates a pending record. Duplicate (name, version) fails with
// ErrAlreadyRegistered and leaves the existing record untouched.
func (r *Registry) Register(ctx context.Context, meta plugin.Metadata, artifactPath string) (*plugin.Record, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	key := meta.Ref()

	// Duplicate check before any I/O; rechecked under the write lock.
	r.mu.RLock()
	_, exists := r.records[key]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}

	src, err := os.Open(artifactPath) // #nosec G304 -- path comes from operator input
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() > r.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d MB)", ErrArtifactTooLarge, info.Size(), r.maxBytes>>20)
	}

	tmp, err := os.CreateTemp(r.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed into place

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), src); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("copy artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("copy artifact: %w", err)
	}

	now := time.Now().UTC()
	meta.Checksum = hex.EncodeToString(h.Sum(nil))
	meta.CreatedAt = now
	dest := filepath.Join(r.dir, meta.Name+"-"+meta.Version+meta.Kind.Extension())
	rec := plugin.Record{
		Metadata:     meta,
		Path:         dest,
		Status:       plugin.StatusPending,
		RegisteredAt: now,
	}

	// The write lock covers dup-check, rename, persist, and insert so
	// a failed registration is never visible.
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	// The sandbox uid (nobody) must be able to read the artifact.
	if err := os.Chmod(dest, 0o644); err != nil { // #nosec G302 -- artifact is executed read-only by the sandbox user
		os.Remove(dest)
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	if err := r.persist(ctx, rec); err != nil {
		os.Remove(dest)
		return nil, err
	}
	r.records[key] = &entry{rec: rec}

	r.log.Info().
		Str("plugin", key).
		Str("kind", string(meta.Kind)).
		Str("checksum", meta.Checksum).
		Msg("plugin registered")
	out := rec
	return &out, nil
}

// SetAnalysis attaches admission-analysis results to a record.
func (r *Registry) SetAnalysis(ctx context.Context, name, version string, score int, findings []string) (*plugin.Record, error) {
	e, err := r.lookup(name, version)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prior := e.rec
	e.rec.RiskScore = score
	e.rec.Findings = append([]string(nil), findings...)
	if err := r.persist(ctx, e.rec); err != nil {
		e.rec = prior
		return nil, err
	}
	rec := e.rec
	return &rec, nil
}

// Approve moves a pending or suspended plugin into the approved state.
func (r *Registry) Approve(ctx context.Context, name, version, actor string) (*plugin.Record, error) {
	return r.transition(ctx, name, version, plugin.StatusApproved, func(rec *plugin.Record) {
		now := time.Now().UTC()
		rec.ApprovedBy = actor
		rec.ApprovedAt = &now
		rec.SuspendedBy = ""
		rec.SuspendedAt = nil
	})
}

// Reject refuses a pending plugin. Rejection is terminal.
func (r *Registry) Reject(ctx context.Context, name, version, actor string) (*plugin.Record, error) {
	return r.transition(ctx, name, version, plugin.StatusRejected, func(rec *plugin.Record) {
		now := time.Now().UTC()
		rec.RejectedBy = actor
		rec.RejectedAt = &now
	})
}

// Suspend takes an approved plugin out of rotation, reversibly.
func (r *Registry) Suspend(ctx context.Context, name, version, actor string) (*plugin.Record, error) {
	return r.transition(ctx, name, version, plugin.StatusSuspended, func(rec *plugin.Record) {
		now := time.Now().UTC()
		rec.SuspendedBy = actor
		rec.SuspendedAt = &now
	})
}

// Blacklist permanently bans a plugin. There is no way back out.
func (r *Registry) Blacklist(ctx context.Context, name, version, actor, reason string) (*plugin.Record, error) {
	return r.transition(ctx, name, version, plugin.StatusBlacklisted, func(rec *plugin.Record) {
		now := time.Now().UTC()
		rec.BlacklistedBy = actor
		rec.BlacklistReason = reason
		rec.BlacklistedAt = &now
	})
}

// Get returns a copy of the record for (name, version).
func (r *Registry) Get(name, version string) (*plugin.Record, error) {
	e, err := r.lookup(name, version)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	return &rec, nil
}

// List returns copies of all records, optionally filtered by status
// ("" for all), sorted by name@version.
func (r *Registry) List(filter plugin.Status) []plugin.Record {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.records))
	for _, e := range r.records {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]plugin.Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if filter != "" && rec.Status != filter {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.Ref() < out[j].Metadata.Ref()
	})
	return out
}

// Counts returns the number of records per status.
func (r *Registry) Counts() map[plugin.Status]int {
	counts := make(map[plugin.Status]int)
	for _, rec := range r.List("") {
		counts[rec.Status]++
	}
	return counts
}

func (r *Registry) lookup(name, version string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.records[name+"@"+version]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, name, version)
	}
	return e, nil
}

// transition applies one lifecycle move under the record's own lock,
// held across persistence so concurrent transitions on the same
// record serialize and a store failure rolls back cleanly.
func (r *Registry) transition(ctx context.Context, name, version string, next plugin.Status, stamp func(*plugin.Record)) (*plugin.Record, error) {
	e, err := r.lookup(name, version)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rec.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s plugin cannot become %s", ErrInvalidTransition, e.rec.Status, next)
	}
	prior := e.rec
	e.rec.Status = next
	stamp(&e.rec)
	if err := r.persist(ctx, e.rec); err != nil {
		e.rec = prior
		return nil, err
	}

	rec := e.rec
	r.log.Info().
		Str("plugin", rec.Metadata.Ref()).
		Str("from", string(prior.Status)).
		Str("to", string(next)).
		Msg("plugin status changed")
	return &rec, nil
}

func (r *Registry) persist(ctx context.Context, rec plugin.Record) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SavePlugin(ctx, rec); err != nil {
		return fmt.Errorf("persist plugin: %w", err)
	}
	return nil
}
