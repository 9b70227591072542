package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sensitivePathPrefixes are directories that must never be exposed to
// confined code, mounted or otherwise.
var sensitivePathPrefixes = []string{"/etc", "/var", "/root", "/proc", "/sys", "/dev"}

// sensitiveHomeDirs are subdirectories of a home folder that hold
// credentials.
var sensitiveHomeDirs = []string{".ssh", ".aws", ".gnupg", ".kube", ".docker"}

// resolveArtifactDir validates a host directory before it is exposed to
// an execution. Symlinks are resolved up front so the checked path is
// the mounted path (TOCTOU: the resolved path is what gets used).
func resolveArtifactDir(dir string, allowedRoots []string) (string, error) {
	realPath, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("%w: artifact dir is not valid", ErrInvalidRequest)
	}
	info, err := os.Stat(realPath)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: artifact dir is not a directory", ErrInvalidRequest)
	}

	for _, prefix := range sensitivePathPrefixes {
		if strings.HasPrefix(realPath, prefix+"/") || realPath == prefix {
			return "", fmt.Errorf("%w: artifact dir %q is under a sensitive path", ErrInvalidRequest, prefix)
		}
	}
	for _, d := range sensitiveHomeDirs {
		if strings.Contains(realPath, "/"+d+"/") || strings.HasSuffix(realPath, "/"+d) {
			return "", fmt.Errorf("%w: artifact dir contains sensitive directory %q", ErrInvalidRequest, d)
		}
	}

	if len(allowedRoots) == 0 {
		return "", fmt.Errorf("%w: no allowed artifact roots configured; directory mounts are disabled", ErrInvalidRequest)
	}
	for _, root := range allowedRoots {
		if strings.HasPrefix(realPath, root+"/") || realPath == root {
			return realPath, nil
		}
	}
	return "", fmt.Errorf("%w: artifact dir is not under an allowed root", ErrInvalidRequest)
}

// checkReadOnlyMounts validates extra read-only mount paths from an
// isolation config against the blocked set.
func checkReadOnlyMounts(paths, blocked []string) error {
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%w: mount path %q must be absolute", ErrInvalidRequest, p)
		}
		for _, prefix := range sensitivePathPrefixes {
			if strings.HasPrefix(p, prefix+"/") || p == prefix {
				return fmt.Errorf("%w: mount path %q is under a sensitive path", ErrInvalidRequest, prefix)
			}
		}
		for _, b := range blocked {
			if p == b || strings.HasPrefix(p, b+"/") {
				return fmt.Errorf("%w: mount path %q is blocked by policy", ErrInvalidRequest, p)
			}
		}
	}
	return nil
}
