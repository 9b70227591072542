package runtime

import "plugin-warden/internal/plugin"

// BinaryRuntime executes native binary artifacts directly.
type BinaryRuntime struct{}

func (b *BinaryRuntime) Kind() plugin.Kind { return plugin.KindBinary }

func (b *BinaryRuntime) Image() string { return "docker.io/library/debian:bookworm-slim" }

func (b *BinaryRuntime) Command(artifactPath string, args []string) []string {
	return append([]string{artifactPath}, args...)
}
