package runtime

import "plugin-warden/internal/plugin"

// PythonRuntime executes Python plugin artifacts.
type PythonRuntime struct{}

func (p *PythonRuntime) Kind() plugin.Kind { return plugin.KindPython }

func (p *PythonRuntime) Image() string { return "docker.io/library/python:3.12-slim" }

func (p *PythonRuntime) Command(artifactPath string, args []string) []string {
	cmd := []string{
		"python3", "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		artifactPath,
	}
	return append(cmd, args...)
}
