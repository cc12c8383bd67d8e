// Package config provides configuration loading, validation, and hot-reload
// for appopsd.
//
// Configuration file: /etc/appopsd/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (write delays, log level).
//   - Destructive changes (snapshot path, operator socket path) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (durations must be positive, etc).
//   - File paths must be absolute.
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for appopsd.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this appopsd instance in logs. Default: hostname.
	NodeID string `yaml:"node_id"`

	// Store configures the in-memory state store and sweep behaviour.
	Store StoreConfig `yaml:"store"`

	// Persistence configures the XML snapshot file and write scheduling.
	Persistence PersistenceConfig `yaml:"persistence"`

	// Operator configures the command Unix socket.
	Operator OperatorConfig `yaml:"operator"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// StoreConfig holds state-store and lifecycle parameters.
type StoreConfig struct {
	// MaxTrackedUIDs is validated (must be >= 1) but not read by any
	// component: the store does not cap the number of uids it holds and the
	// startup sweep does not evict by count. Default: 8192.
	MaxTrackedUIDs int `yaml:"max_tracked_uids"`

	// StartupSweep is loaded from the file but not read by any component:
	// lifecycle.Manager.Boot always runs the consistency sweep, evicting
	// (uid, package) entries the platform no longer agrees on. Default: true.
	StartupSweep bool `yaml:"startup_sweep"`

	// PackagesPath is the YAML file backing the package/uid/privilege
	// lookup appopsd uses in place of a real platform package manager.
	// Default: /etc/appopsd/packages.yaml.
	PackagesPath string `yaml:"packages_path"`
}

// PersistenceConfig holds snapshot file and write-scheduling parameters.
type PersistenceConfig struct {
	// SnapshotPath is the absolute path to the XML snapshot file.
	// Default: /var/lib/appopsd/appops.xml.
	SnapshotPath string `yaml:"snapshot_path"`

	// WriteDelay is the delayed-write coalescing window.
	// Default: 30m (1s when Debug is true).
	WriteDelay time.Duration `yaml:"write_delay"`

	// FastWriteDelay is the fast-write coalescing window. Default: 10s.
	FastWriteDelay time.Duration `yaml:"fast_write_delay"`

	// Debug shortens WriteDelay to persistence.DebugWriteDelay, useful for
	// integration testing without waiting 30 minutes for a flush.
	Debug bool `yaml:"debug"`
}

// OperatorConfig holds operator command-socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for appopsctl.
	// Permissions: 0600, owned by root. Default: /run/appopsd/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active. Default: true.
	Enabled bool `yaml:"enabled"`

	// MaxConnections caps concurrent operator-socket connections.
	// Default: 8.
	MaxConnections int `yaml:"max_connections"`

	// RequestTimeout bounds how long a single connection may take to send
	// its request and receive its response. Default: 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9097.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// DefaultSnapshotPath is the default XML snapshot location.
const DefaultSnapshotPath = "/var/lib/appopsd/appops.xml"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Store: StoreConfig{
			MaxTrackedUIDs: 8192,
			StartupSweep:   true,
			PackagesPath:   "/etc/appopsd/packages.yaml",
		},
		Persistence: PersistenceConfig{
			SnapshotPath:   DefaultSnapshotPath,
			WriteDelay:     30 * time.Minute,
			FastWriteDelay: 10 * time.Second,
			Debug:          false,
		},
		Operator: OperatorConfig{
			Enabled:        true,
			SocketPath:     "/run/appopsd/operator.sock",
			MaxConnections: 8,
			RequestTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9097",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Store.MaxTrackedUIDs < 1 {
		errs = append(errs, fmt.Sprintf("store.max_tracked_uids must be >= 1, got %d", cfg.Store.MaxTrackedUIDs))
	}
	if cfg.Store.PackagesPath == "" {
		errs = append(errs, "store.packages_path must not be empty")
	} else if !filepath.IsAbs(cfg.Store.PackagesPath) {
		errs = append(errs, fmt.Sprintf("store.packages_path must be absolute, got %q", cfg.Store.PackagesPath))
	}
	if cfg.Persistence.SnapshotPath == "" {
		errs = append(errs, "persistence.snapshot_path must not be empty")
	} else if !filepath.IsAbs(cfg.Persistence.SnapshotPath) {
		errs = append(errs, fmt.Sprintf("persistence.snapshot_path must be absolute, got %q", cfg.Persistence.SnapshotPath))
	}
	if cfg.Persistence.WriteDelay < time.Second {
		errs = append(errs, fmt.Sprintf("persistence.write_delay must be >= 1s, got %s", cfg.Persistence.WriteDelay))
	}
	if cfg.Persistence.FastWriteDelay < 0 {
		errs = append(errs, "persistence.fast_write_delay must be >= 0")
	}
	if cfg.Operator.Enabled {
		if cfg.Operator.SocketPath == "" {
			errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
		} else if !filepath.IsAbs(cfg.Operator.SocketPath) {
			errs = append(errs, fmt.Sprintf("operator.socket_path must be absolute, got %q", cfg.Operator.SocketPath))
		}
		if cfg.Operator.MaxConnections < 1 {
			errs = append(errs, fmt.Sprintf("operator.max_connections must be >= 1, got %d", cfg.Operator.MaxConnections))
		}
		if cfg.Operator.RequestTimeout < time.Second {
			errs = append(errs, fmt.Sprintf("operator.request_timeout must be >= 1s, got %s", cfg.Operator.RequestTimeout))
		}
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be one of json/console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
