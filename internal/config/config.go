package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Registry RegistryConfig `yaml:"registry"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	ContainerRuntime     string        `yaml:"container_runtime"` // "auto" (default), "containerd", or "docker"
	ContainerdSocket     string        `yaml:"containerd_socket"`
	Namespace            string        `yaml:"namespace"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	MaxTimeout           time.Duration `yaml:"max_timeout"`
	MaxConcurrent        int           `yaml:"max_concurrent"`
	AllowedArtifactRoots []string      `yaml:"allowed_artifact_roots"` // Absolute paths artifact mounts must be under; empty blocks all mounts
	Process              ProcessConfig `yaml:"process"`
}

// ProcessConfig controls the process isolation backend.
type ProcessConfig struct {
	EnableJail   bool     `yaml:"enable_jail"`   // chroot jail for executions; requires root
	JailBinaries []string `yaml:"jail_binaries"` // host binaries copied into the jail
	AllowedEnv   []string `yaml:"allowed_env"`   // host env vars passed through to executions
}

// RegistryConfig controls plugin artifact storage.
type RegistryConfig struct {
	PluginDir     string `yaml:"plugin_dir"`      // directory where registered artifacts are copied
	MaxArtifactMB int64  `yaml:"max_artifact_mb"` // reject artifacts larger than this
}

// AnalysisConfig controls static analysis scoring.
type AnalysisConfig struct {
	RejectThreshold int    `yaml:"reject_threshold"` // risk scores above this are rejected
	ErrorWeight     int    `yaml:"error_weight"`     // score contribution per error finding
	WarningWeight   int    `yaml:"warning_weight"`   // score contribution per warning finding
	WASMTool        string `yaml:"wasm_tool"`        // external wasm validator binary, optional
}

// MonitorConfig controls the background resource sweep.
type MonitorConfig struct {
	SweepEnabled  bool          `yaml:"sweep_enabled"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OTLP span export.
type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Protocol string  `yaml:"protocol"` // "grpc" (default) or "http"
	Insecure bool    `yaml:"insecure"` // skip TLS to the collector
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	AllowedKeys  []string `yaml:"allowed_keys"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    320 * time.Second, // > max execution timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  32 << 20, // artifact uploads come through here
		},
		Sandbox: SandboxConfig{
			ContainerRuntime: "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "warden",
			DefaultTimeout:   20 * time.Second,
			MaxTimeout:       5 * time.Minute,
			MaxConcurrent:    100,
			Process: ProcessConfig{
				EnableJail: false,
			},
		},
		Registry: RegistryConfig{
			PluginDir:     "/var/lib/plugin-warden/plugins",
			MaxArtifactMB: 10,
		},
		Analysis: AnalysisConfig{
			RejectThreshold: 70,
			ErrorWeight:     25,
			WarningWeight:   5,
		},
		Monitor: MonitorConfig{
			SweepEnabled:  true,
			SweepInterval: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
			Sample:   0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader: "X-API-Key",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.ContainerRuntime {
	case "", "auto", "containerd", "docker":
	default:
		return fmt.Errorf("sandbox.container_runtime must be auto, containerd, or docker, got %q", c.Sandbox.ContainerRuntime)
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	for _, root := range c.Sandbox.AllowedArtifactRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("sandbox.allowed_artifact_roots: %q must be an absolute path", root)
		}
	}
	if c.Registry.PluginDir == "" {
		return fmt.Errorf("registry.plugin_dir must not be empty")
	}
	if !filepath.IsAbs(c.Registry.PluginDir) {
		return fmt.Errorf("registry.plugin_dir: %q must be an absolute path", c.Registry.PluginDir)
	}
	if c.Registry.MaxArtifactMB < 1 {
		return fmt.Errorf("registry.max_artifact_mb must be >= 1")
	}
	if c.Analysis.RejectThreshold < 0 || c.Analysis.RejectThreshold > 100 {
		return fmt.Errorf("analysis.reject_threshold must be 0-100, got %d", c.Analysis.RejectThreshold)
	}
	if c.Analysis.ErrorWeight < 0 || c.Analysis.WarningWeight < 0 {
		return fmt.Errorf("analysis weights must be >= 0")
	}
	if c.Monitor.SweepEnabled && c.Monitor.SweepInterval < time.Second {
		return fmt.Errorf("monitor.sweep_interval must be >= 1s, got %s", c.Monitor.SweepInterval)
	}
	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		switch c.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol)
		}
		if c.Tracing.Sample < 0 || c.Tracing.Sample > 1 {
			return fmt.Errorf("tracing.sample_rate must be 0-1, got %g", c.Tracing.Sample)
		}
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
