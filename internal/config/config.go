// ABOUTME: Configuration loading and parsing for switchboard.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth"`
	Audit     AuditConfig     `yaml:"audit"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	WSPath     string `yaml:"ws_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration. When enabled, the
// router listens on an embedded tailnet node instead of a plain TCP socket.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// AuthConfig holds credential validation configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	// DirectoryURL is the base URL of the identity directory used for
	// claim-to-identity mapping. Empty disables remote lookups and
	// capabilities come from token claims alone.
	DirectoryURL string `yaml:"directory_url"`

	DirectoryTimeout    time.Duration `yaml:"-"`
	DirectoryTimeoutRaw string        `yaml:"directory_timeout"`
}

// AuditConfig holds the audit trail database configuration.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig holds per-connection timing and capacity configuration.
type SessionsConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`

	HandshakeTimeout    time.Duration `yaml:"-"`
	LivenessTimeout     time.Duration `yaml:"-"`
	LivenessSweep       time.Duration `yaml:"-"`
	DrainTimeout        time.Duration `yaml:"-"`
	CorrelationDeadline time.Duration `yaml:"-"`
	CorrelationSweep    time.Duration `yaml:"-"`
	EnqueueTimeout      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling.
	HandshakeTimeoutRaw    string `yaml:"handshake_timeout"`
	LivenessTimeoutRaw     string `yaml:"liveness_timeout"`
	LivenessSweepRaw       string `yaml:"liveness_sweep_interval"`
	DrainTimeoutRaw        string `yaml:"drain_timeout"`
	CorrelationDeadlineRaw string `yaml:"correlation_deadline"`
	CorrelationSweepRaw    string `yaml:"correlation_sweep_interval"`
	EnqueueTimeoutRaw      string `yaml:"enqueue_timeout"`
}

// DeliveryConfig maps message kinds to backpressure policies. Valid values
// are "block-with-timeout" and "drop-oldest".
type DeliveryConfig struct {
	Policies map[string]string `yaml:"backpressure"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultWSPath              = "/ws"
	DefaultQueueCapacity       = 64
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultLivenessTimeout     = 90 * time.Second
	DefaultLivenessSweep       = 15 * time.Second
	DefaultDrainTimeout        = 5 * time.Second
	DefaultCorrelationDeadline = 30 * time.Second
	DefaultCorrelationSweep    = time.Second
	DefaultEnqueueTimeout      = 5 * time.Second
	DefaultDirectoryTimeout    = 3 * time.Second
	DefaultMetricsPath         = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults are
// applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with default values.
func (c *Config) applyDefaults() {
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Sessions.QueueCapacity == 0 {
		c.Sessions.QueueCapacity = DefaultQueueCapacity
	}
	if c.Sessions.HandshakeTimeout == 0 {
		c.Sessions.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Sessions.LivenessTimeout == 0 {
		c.Sessions.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.Sessions.LivenessSweep == 0 {
		c.Sessions.LivenessSweep = DefaultLivenessSweep
	}
	if c.Sessions.DrainTimeout == 0 {
		c.Sessions.DrainTimeout = DefaultDrainTimeout
	}
	if c.Sessions.CorrelationDeadline == 0 {
		c.Sessions.CorrelationDeadline = DefaultCorrelationDeadline
	}
	if c.Sessions.CorrelationSweep == 0 {
		c.Sessions.CorrelationSweep = DefaultCorrelationSweep
	}
	if c.Sessions.EnqueueTimeout == 0 {
		c.Sessions.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.Auth.DirectoryTimeout == 0 {
		c.Auth.DirectoryTimeout = DefaultDirectoryTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure
// encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}

	if c.Sessions.LivenessSweep >= c.Sessions.LivenessTimeout {
		return fmt.Errorf("sessions.liveness_sweep_interval must be shorter than sessions.liveness_timeout")
	}

	for kind, policy := range c.Delivery.Policies {
		if policy != "block-with-timeout" && policy != "drop-oldest" {
			return fmt.Errorf("delivery.backpressure.%s: unknown policy %q", kind, policy)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Sessions.HandshakeTimeoutRaw, &cfg.Sessions.HandshakeTimeout, "handshake_timeout"},
		{cfg.Sessions.LivenessTimeoutRaw, &cfg.Sessions.LivenessTimeout, "liveness_timeout"},
		{cfg.Sessions.LivenessSweepRaw, &cfg.Sessions.LivenessSweep, "liveness_sweep_interval"},
		{cfg.Sessions.DrainTimeoutRaw, &cfg.Sessions.DrainTimeout, "drain_timeout"},
		{cfg.Sessions.CorrelationDeadlineRaw, &cfg.Sessions.CorrelationDeadline, "correlation_deadline"},
		{cfg.Sessions.CorrelationSweepRaw, &cfg.Sessions.CorrelationSweep, "correlation_sweep_interval"},
		{cfg.Sessions.EnqueueTimeoutRaw, &cfg.Sessions.EnqueueTimeout, "enqueue_timeout"},
		{cfg.Auth.DirectoryTimeoutRaw, &cfg.Auth.DirectoryTimeout, "directory_timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
