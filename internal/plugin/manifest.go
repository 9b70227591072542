package plugin

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadManifest reads and validates a plugin manifest (plugin.yaml).
// Unknown fields are rejected so a typo'd permission list cannot pass
// silently.
func LoadManifest(path string) (Metadata, error) {
	f, err := os.Open(filepath.Clean(path)) // #nosec G304 -- path comes from operator input
	if err != nil {
		return Metadata{}, fmt.Errorf("reading manifest: %w", err)
	}
	defer f.Close()

	var meta Metadata
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&meta); err != nil {
		return Metadata{}, fmt.Errorf("parsing manifest: %w", err)
	}

	if err := meta.Validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// ChecksumFile returns the SHA-256 of a file's bytes as lowercase hex.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path)) // #nosec G304 -- artifact path is registry-controlled
	if err != nil {
		return "", fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing artifact: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// ChecksumBytes returns the SHA-256 of b as lowercase hex.
func ChecksumBytes(b []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(b))
}
