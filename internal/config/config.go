// internal/config/config.go
//
// This package handles configuration and the .missionctl directory structure.
// Every workspace that runs missionctl gets a .missionctl/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Dir is the name of the directory we create in each workspace
	Dir = ".missionctl"

	defaultTenant      = "default"
	defaultEmitTimeout = 5 * time.Second
	defaultSQLiteFile  = "missions.db"
)

// Persistence drivers.
const (
	PersistenceNone   = "none"
	PersistenceFile   = "file"
	PersistenceSQLite = "sqlite"
)

// Telemetry sink names accepted in telemetry.sinks.
const (
	SinkLog     = "log"
	SinkLogbook = "logbook"
	SinkOTel    = "otel"
	SinkHTTP    = "http"
	SinkBridge  = "bridge"
)

const defaultConfigYAML = `# missionctl workspace configuration
version: 1

# Tenant reported with every telemetry event unless a request overrides it.
tenant: default

server:
  host: 127.0.0.1
  port: 8765
  # keep_alive: 15s
  # max_body_bytes: 1048576

telemetry:
  # Any of: log, logbook, otel, http, bridge
  sinks: [log, logbook, bridge]
  emit_timeout: 5s
  # endpoint: https://collector.example.com/events
  otel:
    enabled: false
    stdout: false
    # endpoint: localhost:4318

persistence:
  # none, file or sqlite
  driver: file
`

// ServerConfig configures the HTTP bridge.
type ServerConfig struct {
	Enabled      *bool  `yaml:"enabled,omitempty"`
	Host         string `yaml:"host,omitempty"`
	Port         int    `yaml:"port,omitempty"`
	MaxBodyBytes int64  `yaml:"max_body_bytes,omitempty"`
	// KeepAlive is the ping interval on idle event streams, e.g. "15s".
	KeepAlive string `yaml:"keep_alive,omitempty"`
}

// OTelConfig toggles OpenTelemetry exporters.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Stdout   bool   `yaml:"stdout,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// TelemetryConfig selects telemetry sinks.
type TelemetryConfig struct {
	Sinks       []string   `yaml:"sinks"`
	Endpoint    string     `yaml:"endpoint,omitempty"`
	EmitTimeout string     `yaml:"emit_timeout,omitempty"`
	OTel        OTelConfig `yaml:"otel"`
}

// PersistenceConfig selects the snapshot store.
type PersistenceConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
}

// FileConfig models .missionctl/config.yaml.
type FileConfig struct {
	Version     int               `yaml:"version"`
	Tenant      string            `yaml:"tenant"`
	Server      ServerConfig      `yaml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// Config holds the runtime configuration for missionctl.
type Config struct {
	// WorkspaceDir is the directory missionctl was started from
	WorkspaceDir string

	// StateRoot is WorkspaceDir/.missionctl
	StateRoot string

	File FileConfig
}

// InitDir creates the .missionctl directory structure in the given workspace.
//
// Structure created:
// .missionctl/
// ├── config.yaml
// ├── logs/       <- structured process log
// ├── logbooks/   <- one progress log per mission
// └── state/      <- persisted stage snapshots
func InitDir(workspaceDir string) error {
	root := filepath.Join(workspaceDir, Dir)
	dirs := []string{
		filepath.Join(root, "logs"),
		filepath.Join(root, "logbooks"),
		filepath.Join(root, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureConfigFile(filepath.Join(root, "config.yaml"))
}

// Load reads .missionctl/config.yaml (when present) and applies environment
// overrides. A missing file yields the defaults.
func Load(workspaceDir string) (*Config, error) {
	cfg := &Config{
		WorkspaceDir: workspaceDir,
		StateRoot:    filepath.Join(workspaceDir, Dir),
		File:         defaultFileConfig(),
	}
	if err := cfg.loadFile(); err != nil {
		return nil, err
	}
	cfg.File.applyEnvOverrides()
	cfg.File.normalize(cfg.StateRoot)
	if err := cfg.File.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ConfigPath returns the on-disk location of the config file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.StateRoot, "config.yaml")
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateRoot, "logs")
}

// LogbooksDir returns the directory holding per-mission logbooks
func (c *Config) LogbooksDir() string {
	return filepath.Join(c.StateRoot, "logbooks")
}

// StateDir returns the path to the snapshot directory
func (c *Config) StateDir() string {
	return filepath.Join(c.StateRoot, "state")
}

// Tenant returns the default tenant id.
func (c *Config) Tenant() string {
	return c.File.Tenant
}

// PersistencePath is the file or database location for snapshots.
func (c *Config) PersistencePath() string {
	if c.File.Persistence.Path != "" {
		return c.File.Persistence.Path
	}
	if c.File.Persistence.Driver == PersistenceSQLite {
		return filepath.Join(c.StateDir(), defaultSQLiteFile)
	}
	return c.StateDir()
}

// EmitTimeout bounds a single telemetry sink call.
func (c *Config) EmitTimeout() time.Duration {
	d, err := time.ParseDuration(c.File.Telemetry.EmitTimeout)
	if err != nil || d <= 0 {
		return defaultEmitTimeout
	}
	return d
}

// SinkEnabled reports whether name is listed in telemetry.sinks.
func (c *Config) SinkEnabled(name string) bool {
	return contains(c.File.Telemetry.Sinks, name)
}

func (c *Config) loadFile() error {
	path := c.ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed FileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	parsed.applyDefaults()
	c.File = parsed
	return nil
}

func defaultFileConfig() FileConfig {
	fc := FileConfig{}
	fc.applyDefaults()
	return fc
}

func (fc *FileConfig) applyDefaults() {
	if fc.Version == 0 {
		fc.Version = 1
	}
	if strings.TrimSpace(fc.Tenant) == "" {
		fc.Tenant = defaultTenant
	}
	if fc.Telemetry.Sinks == nil {
		fc.Telemetry.Sinks = []string{SinkLog, SinkLogbook, SinkBridge}
	}
	if fc.Telemetry.EmitTimeout == "" {
		fc.Telemetry.EmitTimeout = defaultEmitTimeout.String()
	}
	if fc.Persistence.Driver == "" {
		fc.Persistence.Driver = PersistenceFile
	}
}

func (fc *FileConfig) applyEnvOverrides() {
	if tenant := strings.TrimSpace(os.Getenv("MISSIONCTL_TENANT")); tenant != "" {
		fc.Tenant = tenant
	}
	if driver := strings.TrimSpace(os.Getenv("MISSIONCTL_PERSISTENCE")); driver != "" {
		fc.Persistence.Driver = driver
	}
	if endpoint := strings.TrimSpace(os.Getenv("MISSIONCTL_TELEMETRY_ENDPOINT")); endpoint != "" {
		fc.Telemetry.Endpoint = endpoint
		if !contains(fc.Telemetry.Sinks, SinkHTTP) {
			fc.Telemetry.Sinks = append(fc.Telemetry.Sinks, SinkHTTP)
		}
	}
	if value := strings.TrimSpace(os.Getenv("MISSIONCTL_OTEL_ENABLED")); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			fc.Telemetry.OTel.Enabled = enabled
			if enabled && !contains(fc.Telemetry.Sinks, SinkOTel) {
				fc.Telemetry.Sinks = append(fc.Telemetry.Sinks, SinkOTel)
			}
		}
	}
}

func (fc *FileConfig) normalize(base string) {
	fc.Tenant = strings.TrimSpace(fc.Tenant)
	fc.Server.Host = strings.TrimSpace(fc.Server.Host)
	fc.Server.KeepAlive = strings.TrimSpace(fc.Server.KeepAlive)
	sinks := make([]string, 0, len(fc.Telemetry.Sinks))
	for _, sink := range fc.Telemetry.Sinks {
		sink = normalizeName(sink)
		if sink != "" && !contains(sinks, sink) {
			sinks = append(sinks, sink)
		}
	}
	fc.Telemetry.Sinks = sinks
	fc.Telemetry.Endpoint = strings.TrimSpace(fc.Telemetry.Endpoint)
	fc.Telemetry.EmitTimeout = strings.TrimSpace(fc.Telemetry.EmitTimeout)
	fc.Telemetry.OTel.Endpoint = strings.TrimSpace(fc.Telemetry.OTel.Endpoint)
	fc.Persistence.Driver = normalizeName(fc.Persistence.Driver)
	fc.Persistence.Path = resolvePath(base, fc.Persistence.Path)
}

func (fc *FileConfig) validate() error {
	if fc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if fc.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if fc.Server.Port != 0 && (fc.Server.Port < 0 || fc.Server.Port > 65535) {
		return fmt.Errorf("server.port %d out of range", fc.Server.Port)
	}
	if fc.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative")
	}
	if fc.Server.KeepAlive != "" {
		if d, err := time.ParseDuration(fc.Server.KeepAlive); err != nil || d <= 0 {
			return fmt.Errorf("server.keep_alive %q is not a positive duration", fc.Server.KeepAlive)
		}
	}
	for _, sink := range fc.Telemetry.Sinks {
		switch sink {
		case SinkLog, SinkLogbook, SinkOTel, SinkBridge:
		case SinkHTTP:
			if fc.Telemetry.Endpoint == "" {
				return fmt.Errorf("telemetry.endpoint is required for the http sink")
			}
		default:
			return fmt.Errorf("telemetry.sinks: unknown sink %q", sink)
		}
	}
	if d, err := time.ParseDuration(fc.Telemetry.EmitTimeout); err != nil || d <= 0 {
		return fmt.Errorf("telemetry.emit_timeout %q is not a positive duration", fc.Telemetry.EmitTimeout)
	}
	switch fc.Persistence.Driver {
	case PersistenceNone, PersistenceFile, PersistenceSQLite:
	default:
		return fmt.Errorf("persistence.driver must be 'none', 'file' or 'sqlite'")
	}
	return nil
}

func normalizeName(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
