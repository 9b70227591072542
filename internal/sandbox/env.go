package sandbox

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// envBlocklist contains env var keys that must never reach confined
// code, whatever the caller asks for. Loader and interpreter hijack
// vectors, proxies, and host identity.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"LD_AUDIT":        true,
	"HTTP_PROXY":      true,
	"HTTPS_PROXY":     true,
	"NODE_OPTIONS":    true,
	"PYTHONPATH":      true,
	"PYTHONSTARTUP":   true,
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
	"SHELL":           true,
}

func validateEnvKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty env var key", ErrInvalidRequest)
	}
	for _, c := range key {
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return fmt.Errorf("%w: env var key %q contains invalid characters", ErrInvalidRequest, key)
		}
	}
	if envBlocklist[strings.ToUpper(key)] {
		return fmt.Errorf("%w: env var %q is blocked", ErrInvalidRequest, key)
	}
	return nil
}

// buildProcessEnv constructs the child environment from scratch. The
// parent environment is never inherited: a fixed base, an explicit
// pass-through allow list, then the per-execution overrides. Sorted so
// the result is deterministic.
func buildProcessEnv(scratchDir string, overrides map[string]string, allowedKeys []string) []string {
	env := map[string]string{
		"PATH":   "/usr/local/bin:/usr/bin:/bin",
		"HOME":   scratchDir,
		"TMPDIR": scratchDir,
		"LANG":   "C.UTF-8",
	}

	for _, key := range allowedKeys {
		if envBlocklist[strings.ToUpper(key)] {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}

	for k, v := range overrides {
		if envBlocklist[strings.ToUpper(k)] {
			continue
		}
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// containerEnv returns the explicit env list for container backends:
// a fixed base plus validated overrides, nothing inherited.
func containerEnv(overrides map[string]string) []string {
	env := map[string]string{
		"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME": "/tmp",
		"LANG": "C.UTF-8",
	}
	for k, v := range overrides {
		if envBlocklist[strings.ToUpper(k)] {
			continue
		}
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
