package eventbridge

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/kingrea/missionctl/internal/config"
)

const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8765
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultKeepAlive is the comment-ping interval on idle event streams.
	DefaultKeepAlive    = 15 * time.Second
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 15 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
)

// Settings controls how the mission server listens and answers.
type Settings struct {
	Enabled bool
	Host    string
	Port    int
	// Tenant is used for requests without an X-Tenant-ID header. Empty
	// defers to the session manager's default tenant.
	Tenant       string
	MaxBodyBytes int64
	KeepAlive    time.Duration
	ReadTimeout  time.Duration
	// WriteTimeout bounds regular handlers. Event streams clear it.
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Enabled:      true,
		Host:         DefaultHost,
		Port:         DefaultPort,
		MaxBodyBytes: DefaultMaxBodyBytes,
		KeepAlive:    DefaultKeepAlive,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}
}

// SettingsFromConfig layers the workspace server section and the
// MISSIONCTL_* environment over DefaultSettings. A malformed environment
// value is an error rather than a silent fallback.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	settings := DefaultSettings()
	if cfg != nil {
		settings.applyServerConfig(cfg)
	}
	for _, env := range settingsEnv {
		value := strings.TrimSpace(os.Getenv(env.key))
		if value == "" {
			continue
		}
		if err := env.apply(&settings, value); err != nil {
			return Settings{}, fmt.Errorf("eventbridge: %s=%q: %w", env.key, value, err)
		}
	}
	settings.normalize()
	return settings, nil
}

func (s *Settings) applyServerConfig(cfg *config.Config) {
	server := cfg.File.Server
	s.Tenant = cfg.Tenant()
	if server.Enabled != nil {
		s.Enabled = *server.Enabled
	}
	if server.Host != "" {
		s.Host = server.Host
	}
	if isValidPort(server.Port) {
		s.Port = server.Port
	}
	if server.MaxBodyBytes > 0 {
		s.MaxBodyBytes = server.MaxBodyBytes
	}
	if d, err := cast.ToDurationE(server.KeepAlive); err == nil && d > 0 {
		s.KeepAlive = d
	}
}

type envSetting struct {
	key   string
	apply func(*Settings, string) error
}

var settingsEnv = []envSetting{
	{"MISSIONCTL_SERVER_ENABLED", func(s *Settings, v string) (err error) {
		s.Enabled, err = cast.ToBoolE(v)
		return err
	}},
	{"MISSIONCTL_HOST", func(s *Settings, v string) error {
		s.Host = v
		return nil
	}},
	{"MISSIONCTL_PORT", func(s *Settings, v string) error {
		port, err := cast.ToIntE(v)
		if err != nil {
			return err
		}
		if !isValidPort(port) {
			return fmt.Errorf("port out of range")
		}
		s.Port = port
		return nil
	}},
	{"MISSIONCTL_STREAM_KEEPALIVE", func(s *Settings, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("keep-alive must be positive")
		}
		s.KeepAlive = d
		return nil
	}},
}

func (s *Settings) normalize() {
	defaults := DefaultSettings()
	s.Host = strings.TrimSpace(s.Host)
	s.Tenant = strings.TrimSpace(s.Tenant)
	if s.Host == "" {
		s.Host = defaults.Host
	}
	if !isValidPort(s.Port) {
		s.Port = defaults.Port
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = defaults.MaxBodyBytes
	}
	s.KeepAlive = s.keepAlive()
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = defaults.ReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaults.WriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = defaults.IdleTimeout
	}
}

// keepAlive is KeepAlive, or the default when unset.
func (s Settings) keepAlive() time.Duration {
	if s.KeepAlive <= 0 {
		return DefaultKeepAlive
	}
	return s.KeepAlive
}

// Address is the host:port the server binds.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL is the base URL clients use to reach the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
