// ABOUTME: Configuration loading and parsing for agent-console
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding fields are absent.
const (
	DefaultSilenceFlush = 2 * time.Second
	DefaultKeepAlive    = 30 * time.Second
)

// Config represents the complete agent-console configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Speech   SpeechConfig   `yaml:"speech"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the remote agent endpoint configuration
type ServerConfig struct {
	// URL is the websocket endpoint of the remote agent, e.g. ws://localhost:7777
	URL string `yaml:"url"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SpeechConfig holds speech recognition configuration
type SpeechConfig struct {
	// RecognizerURL is the websocket endpoint of the speech recognizer.
	// Empty disables voice input.
	RecognizerURL string `yaml:"recognizer_url"`

	SilenceFlush time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	SilenceFlushRaw string `yaml:"silence_flush"`
}

// SessionConfig holds per-session timing configuration
type SessionConfig struct {
	KeepAlive time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	KeepAliveRaw string `yaml:"keep_alive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if err := validateWebsocketURL(c.Server.URL); err != nil {
		return fmt.Errorf("server.url: %w", err)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Speech.RecognizerURL != "" {
		if err := validateWebsocketURL(c.Speech.RecognizerURL); err != nil {
			return fmt.Errorf("speech.recognizer_url: %w", err)
		}
	}

	return nil
}

func validateWebsocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Speech.SilenceFlushRaw != "" {
		cfg.Speech.SilenceFlush, err = time.ParseDuration(cfg.Speech.SilenceFlushRaw)
		if err != nil {
			return fmt.Errorf("parsing silence_flush %q: %w", cfg.Speech.SilenceFlushRaw, err)
		}
	}

	if cfg.Session.KeepAliveRaw != "" {
		cfg.Session.KeepAlive, err = time.ParseDuration(cfg.Session.KeepAliveRaw)
		if err != nil {
			return fmt.Errorf("parsing keep_alive %q: %w", cfg.Session.KeepAliveRaw, err)
		}
	}

	return nil
}

// applyDefaults fills in timing values left unset by the file
func applyDefaults(cfg *Config) {
	if cfg.Speech.SilenceFlush == 0 {
		cfg.Speech.SilenceFlush = DefaultSilenceFlush
	}
	if cfg.Session.KeepAlive == 0 {
		cfg.Session.KeepAlive = DefaultKeepAlive
	}
}
