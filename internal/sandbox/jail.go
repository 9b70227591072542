package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// buildJail assembles a minimal chroot environment under the scratch
// dir: tmp and dev trees, the basic device nodes, and copies of a small
// binary set placed at their host paths. mknod needs root; callers gate
// on privilege. Dynamically linked binaries also need their libraries
// copied in, so jail_binaries should list static binaries.
func buildJail(scratch string, binaries []string) (string, error) {
	jail := filepath.Join(scratch, "jail")

	for _, dir := range []string{
		filepath.Join(jail, "tmp"),
		filepath.Join(jail, "dev"),
		filepath.Join(jail, "bin"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating jail dir: %w", err)
		}
	}
	if err := os.Chmod(filepath.Join(jail, "tmp"), 0o1777); err != nil {
		return "", fmt.Errorf("chmod jail tmp: %w", err)
	}

	devices := []struct {
		name  string
		minor uint32
	}{
		{"null", 3},
		{"zero", 5},
		{"urandom", 9},
	}
	for _, d := range devices {
		path := filepath.Join(jail, "dev", d.name)
		if err := unix.Mknod(path, unix.S_IFCHR|0o666, int(unix.Mkdev(1, d.minor))); err != nil {
			if !errors.Is(err, unix.EEXIST) {
				return "", fmt.Errorf("mknod /dev/%s: %w", d.name, err)
			}
		}
		if err := os.Chmod(path, 0o666); err != nil {
			return "", fmt.Errorf("chmod /dev/%s: %w", d.name, err)
		}
	}

	for _, bin := range binaries {
		if err := copyIntoJail(bin, jail); err != nil {
			return "", fmt.Errorf("copying %s into jail: %w", bin, err)
		}
	}

	return jail, nil
}

// copyIntoJail places a host binary at the same absolute path inside
// the jail, preserving its mode.
func copyIntoJail(hostPath, jail string) error {
	if !filepath.IsAbs(hostPath) {
		return fmt.Errorf("jail binary path %q must be absolute", hostPath)
	}
	resolved, err := filepath.EvalSymlinks(hostPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return err
	}

	dst := filepath.Join(jail, hostPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	src, err := os.Open(resolved) // #nosec G304 -- operator-configured binary list
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()|0o111)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
