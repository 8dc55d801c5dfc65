// Package config handles todolink configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/todolink/config.yaml, /etc/todolink/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "todolink", "config.yaml"))
	}

	paths = append(paths, "/etc/todolink/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all todolink configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Cache     CacheConfig     `yaml:"cache"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// ServerConfig defines the task server connection.
type ServerConfig struct {
	// URL is the WebSocket endpoint. http(s) URLs are upgraded to ws(s).
	URL string `yaml:"url"`
	// Token is sent as a bearer token on the upgrade request. Optional.
	Token string `yaml:"token"`
	// RequestTimeout bounds each request (default 30s).
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// HandshakePoll is the readiness poll interval (default 100ms).
	HandshakePoll time.Duration `yaml:"handshake_poll"`
	// HandshakeAttempts caps the readiness poll (default 50).
	HandshakeAttempts int `yaml:"handshake_attempts"`
}

// ReconnectConfig defines the reconnect policy. The default is a fixed
// 3s delay with no attempt ceiling.
type ReconnectConfig struct {
	Delay       time.Duration `yaml:"delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 = unlimited
}

// CacheConfig defines the repository cache.
type CacheConfig struct {
	HistorySize int `yaml:"history_size"`
	// Persist writes cache snapshots to the state database under DataDir.
	Persist bool `yaml:"persist"`
}

// MQTTConfig defines the optional MQTT relay. The relay is disabled
// when Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether the MQTT relay should run.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Default returns a configuration with every default filled in and no
// server URL.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			RequestTimeout:    30 * time.Second,
			HandshakePoll:     100 * time.Millisecond,
			HandshakeAttempts: 50,
		},
		Reconnect: ReconnectConfig{
			Delay:      3 * time.Second,
			Multiplier: 1,
			MaxDelay:   60 * time.Second,
		},
		Cache: CacheConfig{
			HistorySize: 50,
			Persist:     true,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "todolink",
		},
		DataDir:   "~/.local/share/todolink",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from a YAML file over the defaults and
// validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML config data over the defaults and validates it.
// Environment variables (${VAR}) are expanded first, so secrets can stay
// out of the file.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if u, err := url.Parse(c.Server.URL); err != nil {
		errs = append(errs, fmt.Errorf("server.url: %w", err))
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("server.url: unsupported scheme %q (want ws, wss, http or https)", u.Scheme))
		}
		if u.Host == "" {
			errs = append(errs, errors.New("server.url: missing host"))
		}
	}

	for name, d := range map[string]time.Duration{
		"server.request_timeout": c.Server.RequestTimeout,
		"server.handshake_poll":  c.Server.HandshakePoll,
		"reconnect.delay":        c.Reconnect.Delay,
		"reconnect.max_delay":    c.Reconnect.MaxDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Server.HandshakeAttempts < 0 {
		errs = append(errs, errors.New("server.handshake_attempts must not be negative"))
	}
	if c.Reconnect.Multiplier < 0 {
		errs = append(errs, errors.New("reconnect.multiplier must not be negative"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if c.Cache.HistorySize < 0 {
		errs = append(errs, errors.New("cache.history_size must not be negative"))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unknown format %q (valid: text, json)", c.LogFormat))
	}

	if c.MQTT.Configured() {
		if u, err := url.Parse(c.MQTT.Broker); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker: invalid URL %q", c.MQTT.Broker))
		}
	}

	return errors.Join(errs...)
}

// StatePath returns the state database path under DataDir.
func (c *Config) StatePath() string {
	return filepath.Join(ExpandHome(c.DataDir), "state.db")
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
