package registry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"plugin-warden/internal/plugin"
	"plugin-warden/internal/policy"
)

func testMeta(name, version string) plugin.Metadata {
	return plugin.Metadata{
		Name:      name,
		Version:   version,
		Kind:      plugin.KindPython,
		Author:    "tester",
		RiskLevel: policy.LevelMedium,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(t.TempDir(), 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func stageArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.py")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func mustRegister(t *testing.T, r *Registry, meta plugin.Metadata) *plugin.Record {
	t.Helper()
	rec, err := r.Register(context.Background(), meta, stageArtifact(t, "print('hi')\n"))
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	return rec
}

func TestRegister(t *testing.T) {
	r := newTestRegistry(t)
	src := stageArtifact(t, "import json\n")

	rec, err := r.Register(context.Background(), testMeta("csv-cruncher", "1.0.0"), src)
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if rec.Status != plugin.StatusPending {
		t.Errorf("Status = %q, want %q", rec.Status, plugin.StatusPending)
	}
	if len(rec.Metadata.Checksum) != 64 {
		t.Errorf("Checksum = %q, want 64 hex chars", rec.Metadata.Checksum)
	}
	if rec.RegisteredAt.IsZero() {
		t.Error("RegisteredAt not stamped")
	}

	copied, err := os.ReadFile(rec.Path)
	if err != nil {
		t.Fatalf("artifact copy missing: %v", err)
	}
	if !bytes.Equal(copied, []byte("import json\n")) {
		t.Errorf("artifact copy = %q, want original content", copied)
	}
	if filepath.Dir(rec.Path) == filepath.Dir(src) {
		t.Error("artifact was not copied out of the submission directory")
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("original artifact touched: %v", err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := newTestRegistry(t)
	meta := testMeta("csv-cruncher", "1.0.0")

	first, err := r.Register(context.Background(), meta, stageArtifact(t, "print(1)\n"))
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	_, err = r.Register(context.Background(), meta, stageArtifact(t, "print(2)\n"))
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate Register error = %v, want ErrAlreadyRegistered", err)
	}

	// The existing record and artifact stay untouched.
	got, err := r.Get("csv-cruncher", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata.Checksum != first.Metadata.Checksum {
		t.Error("duplicate registration modified the existing record")
	}
	content, err := os.ReadFile(got.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "print(1)\n" {
		t.Errorf("artifact content = %q, want the first registration's bytes", content)
	}
}

func TestRegister_InvalidMetadata(t *testing.T) {
	r := newTestRegistry(t)
	meta := testMeta("Bad Name", "1.0.0")
	if _, err := r.Register(context.Background(), meta, stageArtifact(t, "x = 1\n")); !errors.Is(err, plugin.ErrInvalidMetadata) {
		t.Errorf("Register error = %v, want ErrInvalidMetadata", err)
	}
}

func TestRegister_MissingArtifact(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Register(context.Background(), testMeta("p", "1"), filepath.Join(t.TempDir(), "missing.py")); err == nil {
		t.Error("Register with missing artifact expected error, got nil")
	}
}

func TestRegister_ArtifactTooLarge(t *testing.T) {
	r, err := New(t.TempDir(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	big := bytes.Repeat([]byte("a"), 1<<20+1)
	path := filepath.Join(t.TempDir(), "big.py")
	if err := os.WriteFile(path, big, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(context.Background(), testMeta("big", "1"), path); !errors.Is(err, ErrArtifactTooLarge) {
		t.Errorf("Register error = %v, want ErrArtifactTooLarge", err)
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	mustRegister(t, r, testMeta("p", "1"))

	rec, err := r.Approve(ctx, "p", "1", "alice")
	if err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	if rec.Status != plugin.StatusApproved || rec.ApprovedBy != "alice" || rec.ApprovedAt == nil {
		t.Errorf("approve did not stamp audit fields: %+v", rec)
	}

	rec, err = r.Suspend(ctx, "p", "1", "bob")
	if err != nil {
		t.Fatalf("Suspend error: %v", err)
	}
	if rec.Status != plugin.StatusSuspended || rec.SuspendedBy != "bob" || rec.SuspendedAt == nil {
		t.Errorf("suspend did not stamp audit fields: %+v", rec)
	}

	rec, err = r.Approve(ctx, "p", "1", "alice")
	if err != nil {
		t.Fatalf("re-Approve error: %v", err)
	}
	if rec.SuspendedAt != nil || rec.SuspendedBy != "" {
		t.Error("re-approval did not clear the suspension stamp")
	}

	rec, err = r.Blacklist(ctx, "p", "1", "carol", "exfiltrates data")
	if err != nil {
		t.Fatalf("Blacklist error: %v", err)
	}
	if rec.BlacklistedBy != "carol" || rec.BlacklistReason != "exfiltrates data" || rec.BlacklistedAt == nil {
		t.Errorf("blacklist did not stamp audit fields: %+v", rec)
	}

	// Blacklist is terminal.
	if _, err := r.Approve(ctx, "p", "1", "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Approve after blacklist error = %v, want ErrInvalidTransition", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		run  func(r *Registry) error
	}{
		{"suspend pending", func(r *Registry) error {
			_, err := r.Suspend(ctx, "p", "1", "a")
			return err
		}},
		{"blacklist pending", func(r *Registry) error {
			_, err := r.Blacklist(ctx, "p", "1", "a", "r")
			return err
		}},
		{"reject approved", func(r *Registry) error {
			if _, err := r.Approve(ctx, "p", "1", "a"); err != nil {
				return err
			}
			_, err := r.Reject(ctx, "p", "1", "a")
			return err
		}},
		{"approve rejected", func(r *Registry) error {
			if _, err := r.Reject(ctx, "p", "1", "a"); err != nil {
				return err
			}
			_, err := r.Approve(ctx, "p", "1", "a")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			mustRegister(t, r, testMeta("p", "1"))
			if err := tt.run(r); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get("ghost", "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
	if _, err := r.Approve(context.Background(), "ghost", "1", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Approve error = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	mustRegister(t, r, testMeta("zeta", "1"))
	mustRegister(t, r, testMeta("alpha", "1"))
	mustRegister(t, r, testMeta("mid", "1"))
	if _, err := r.Approve(ctx, "mid", "1", "a"); err != nil {
		t.Fatal(err)
	}

	all := r.List("")
	if len(all) != 3 {
		t.Fatalf("List(\"\") returned %d records, want 3", len(all))
	}
	if all[0].Metadata.Name != "alpha" || all[2].Metadata.Name != "zeta" {
		t.Errorf("List not sorted: %s, %s, %s",
			all[0].Metadata.Name, all[1].Metadata.Name, all[2].Metadata.Name)
	}

	pending := r.List(plugin.StatusPending)
	if len(pending) != 2 {
		t.Errorf("List(pending) returned %d records, want 2", len(pending))
	}

	counts := r.Counts()
	if counts[plugin.StatusPending] != 2 || counts[plugin.StatusApproved] != 1 {
		t.Errorf("Counts = %v, want 2 pending / 1 approved", counts)
	}
}

func TestSetAnalysis(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, testMeta("p", "1"))

	findings := []string{"Dangerous call: eval"}
	rec, err := r.SetAnalysis(context.Background(), "p", "1", 35, findings)
	if err != nil {
		t.Fatalf("SetAnalysis error: %v", err)
	}
	if rec.RiskScore != 35 || len(rec.Findings) != 1 {
		t.Errorf("record = %+v, want score 35 and one finding", rec)
	}

	// The record holds its own copy of the findings.
	findings[0] = "mutated"
	got, _ := r.Get("p", "1")
	if got.Findings[0] != "Dangerous call: eval" {
		t.Error("SetAnalysis aliased the caller's findings slice")
	}
}

func TestConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	mustRegister(t, r, testMeta("p", "1"))

	// pending can become approved or rejected, never both.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := r.Approve(ctx, "p", "1", "a")
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := r.Reject(ctx, "p", "1", "b")
		results <- err
	}()
	wg.Wait()
	close(results)

	var ok, invalid int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidTransition):
			invalid++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || invalid != 1 {
		t.Errorf("got %d successes and %d invalid transitions, want exactly 1 of each", ok, invalid)
	}
}

func TestConcurrentBlacklistWins(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	mustRegister(t, r, testMeta("p", "1"))
	if _, err := r.Approve(ctx, "p", "1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Blacklist(ctx, "p", "1", "sec", "malware"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Approve(ctx, "p", "1", "x"); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Approve after blacklist error = %v, want ErrInvalidTransition", err)
			}
		}()
	}
	wg.Wait()

	got, _ := r.Get("p", "1")
	if got.Status != plugin.StatusBlacklisted {
		t.Errorf("Status = %q, want blacklisted", got.Status)
	}
}
