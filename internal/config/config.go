package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config contains application configuration
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Profiles  ProfilesConfig  `yaml:"profiles"`
	Server    ServerConfig    `yaml:"server"`
}

// SessionConfig tunes output batching, command pacing and reconnection.
type SessionConfig struct {
	OutputBufferSize     int           `yaml:"output_buffer_size"`
	OutputFlushInterval  time.Duration `yaml:"output_flush_interval"`
	CommandDelay         time.Duration `yaml:"command_delay"`
	MaxCommandQueue      int           `yaml:"max_command_queue"`
	ReconnectMaxRetries  int           `yaml:"reconnect_max_retries"`
	ReconnectBackoffBase time.Duration `yaml:"reconnect_backoff_base"`
	MaxFileSizeEditor    int64         `yaml:"max_file_size_editor"`
}

// TransportConfig holds SSH dial and terminal parameters.
type TransportConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepAliveCountMax int           `yaml:"keepalive_count_max"`
	KnownHosts        string        `yaml:"known_hosts"`
	Term              string        `yaml:"term"`
	Cols              int           `yaml:"cols"`
	Rows              int           `yaml:"rows"`
}

// ProfilesConfig selects the profile store backend.
type ProfilesConfig struct {
	Backend       string   `yaml:"backend"` // file, etcd, sqlite or memory
	Path          string   `yaml:"path"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	SQLitePath    string   `yaml:"sqlite_path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// AllowedOrigins are extra browser origin host patterns allowed to open
	// websockets. Same-host origins are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns a configuration with every field at its built-in value.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			OutputBufferSize:     64 * 1024,
			OutputFlushInterval:  16 * time.Millisecond,
			CommandDelay:         10 * time.Millisecond,
			MaxCommandQueue:      100,
			ReconnectMaxRetries:  3,
			ReconnectBackoffBase: time.Second,
			MaxFileSizeEditor:    5 * 1024 * 1024,
		},
		Transport: TransportConfig{
			ConnectTimeout:    30 * time.Second,
			KeepAliveInterval: 30 * time.Second,
			KeepAliveCountMax: 3,
			Term:              "xterm-256color",
			Cols:              80,
			Rows:              24,
		},
		Profiles: ProfilesConfig{
			Backend:    "file",
			Path:       "profiles.yaml",
			SQLitePath: "sshdeck.db",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7722",
		},
	}
}

// Load loads configuration from YAML file
func Load() (*Config, error) {
	config := Default()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "sshdeck.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Expand environment variables in string fields
	config.Transport.KnownHosts = os.ExpandEnv(config.Transport.KnownHosts)
	config.Profiles.Path = os.ExpandEnv(config.Profiles.Path)
	config.Profiles.SQLitePath = os.ExpandEnv(config.Profiles.SQLitePath)
	config.Server.Listen = os.ExpandEnv(config.Server.Listen)
	for i, ep := range config.Profiles.EtcdEndpoints {
		config.Profiles.EtcdEndpoints[i] = os.ExpandEnv(ep)
	}

	if backend := os.Getenv("SSHDECK_PROFILE_BACKEND"); backend != "" {
		config.Profiles.Backend = backend
	}
	if endpoints := os.Getenv("SSHDECK_ETCD_ENDPOINTS"); endpoints != "" {
		config.Profiles.EtcdEndpoints = strings.Split(endpoints, ",")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks value ranges and backend-specific requirements.
func (c *Config) Validate() error {
	s := c.Session
	if s.OutputBufferSize <= 0 {
		return fmt.Errorf("session.output_buffer_size must be positive")
	}
	if s.OutputFlushInterval <= 0 {
		return fmt.Errorf("session.output_flush_interval must be positive")
	}
	if s.CommandDelay < 0 {
		return fmt.Errorf("session.command_delay must not be negative")
	}
	if s.MaxCommandQueue <= 0 {
		return fmt.Errorf("session.max_command_queue must be positive")
	}
	if s.ReconnectMaxRetries < 0 {
		return fmt.Errorf("session.reconnect_max_retries must not be negative")
	}
	if s.ReconnectBackoffBase <= 0 {
		return fmt.Errorf("session.reconnect_backoff_base must be positive")
	}
	if s.MaxFileSizeEditor <= 0 {
		return fmt.Errorf("session.max_file_size_editor must be positive")
	}
	if c.Transport.KeepAliveCountMax <= 0 {
		return fmt.Errorf("transport.keepalive_count_max must be positive")
	}

	switch c.Profiles.Backend {
	case "memory":
	case "file":
		if c.Profiles.Path == "" {
			return fmt.Errorf("profiles.path is required for the file backend")
		}
	case "sqlite":
		if c.Profiles.SQLitePath == "" {
			return fmt.Errorf("profiles.sqlite_path is required for the sqlite backend")
		}
	case "etcd":
		if len(c.Profiles.EtcdEndpoints) == 0 {
			return fmt.Errorf("profiles.etcd_endpoints is required for the etcd backend (or set SSHDECK_ETCD_ENDPOINTS)")
		}
	default:
		return fmt.Errorf("unknown profile backend %q", c.Profiles.Backend)
	}
	return nil
}
