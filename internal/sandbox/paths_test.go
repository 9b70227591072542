package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveArtifactDir_SymlinkEscapeRejected(t *testing.T) {
	base := t.TempDir()
	link := filepath.Join(base, "link")
	if err := os.Symlink("/etc", link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	root, err := filepath.EvalSymlinks(base)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := resolveArtifactDir(link, []string{root}); err == nil {
		t.Error("symlink pointing at /etc must be rejected after resolution")
	}
}

func TestResolveArtifactDir_SensitiveHomeDirRejected(t *testing.T) {
	base := t.TempDir()
	sshDir := filepath.Join(base, ".ssh")
	if err := os.Mkdir(sshDir, 0o700); err != nil {
		t.Fatal(err)
	}

	root, err := filepath.EvalSymlinks(base)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := resolveArtifactDir(sshDir, []string{root}); err == nil {
		t.Error(".ssh directory must be rejected")
	}
}

func TestResolveArtifactDir_OutsideRootRejected(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()

	otherReal, err := filepath.EvalSymlinks(other)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := resolveArtifactDir(dir, []string{otherReal + "/sub"}); err == nil {
		t.Error("directory outside every allowed root must be rejected")
	}
}

func TestResolveArtifactDir_ReturnsResolvedPath(t *testing.T) {
	dir := t.TempDir()
	root, err := filepath.EvalSymlinks(filepath.Dir(dir))
	if err != nil {
		t.Fatal(err)
	}

	got, err := resolveArtifactDir(dir, []string{root})
	if err != nil {
		t.Fatalf("resolveArtifactDir: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("resolved path = %q, want %q", got, want)
	}
}

func TestCheckReadOnlyMounts(t *testing.T) {
	tests := []struct {
		name    string
		paths   []string
		blocked []string
		wantErr bool
	}{
		{"empty", nil, nil, false},
		{"plain path", []string{"/opt/data"}, nil, false},
		{"relative", []string{"data"}, nil, true},
		{"sensitive", []string{"/proc/self"}, nil, true},
		{"blocked exact", []string{"/opt/data"}, []string{"/opt/data"}, true},
		{"blocked subtree", []string{"/opt/data/sub"}, []string{"/opt/data"}, true},
		{"blocked sibling ok", []string{"/opt/other"}, []string{"/opt/data"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkReadOnlyMounts(tt.paths, tt.blocked)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkReadOnlyMounts() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
