// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the masterfarm
// daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - MASTERFARM_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables do not override
// values in it. The only expansion performed is ${HOME}-style path
// variables for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the masterfarm daemon.
type Config struct {
	// Telegram configures the notification and command channel.
	Telegram TelegramConfig `yaml:"telegram"`

	// Database configures the account store.
	Database DatabaseConfig `yaml:"database"`

	// Challenge configures interactive challenge handling.
	Challenge ChallengeConfig `yaml:"challenge"`

	// Control configures the local admin socket.
	Control ControlConfig `yaml:"control"`

	// Steam configures how sessions present themselves to the remote
	// service.
	Steam SteamConfig `yaml:"steam"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// TelegramConfig configures the Telegram bot connection.
type TelegramConfig struct {
	// TokenFile is the path to a file holding the bot token. Takes
	// precedence over TokenEnv. The file should contain the token on
	// a single line.
	TokenFile string `yaml:"token_file"`

	// TokenEnv is the name of an environment variable holding the bot
	// token. Used only when TokenFile is empty.
	// Default: MASTERFARM_TELEGRAM_TOKEN
	TokenEnv string `yaml:"token_env"`

	// APIBase is the Telegram Bot API base URL. Override for tests or
	// a local bot API server.
	// Default: https://api.telegram.org
	APIBase string `yaml:"api_base"`

	// PollTimeout is the long-poll timeout for getUpdates, as a
	// duration string. Default: 50s
	PollTimeout string `yaml:"poll_timeout"`

	// SendRate is the maximum outgoing messages per second across all
	// chats. Default: 25 (below Telegram's global limit of 30).
	SendRate float64 `yaml:"send_rate"`
}

// DatabaseConfig configures the SQLite account store.
type DatabaseConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory is created if missing.
	// Default: ${HOME}/.local/share/masterfarm/accounts.db
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Defaults to 4 if zero.
	PoolSize int `yaml:"pool_size"`
}

// ChallengeConfig configures interactive challenge handling.
type ChallengeConfig struct {
	// Timeout is how long a pending challenge waits for an answer
	// before the login attempt is abandoned, as a duration string.
	// Default: 5m
	Timeout string `yaml:"timeout"`
}

// ControlConfig configures the local admin socket used by
// masterfarm-ctl.
type ControlConfig struct {
	// SocketPath is the Unix socket path for the control interface.
	// Default: /run/masterfarm/control.sock
	SocketPath string `yaml:"socket_path"`
}

// SteamConfig configures session presentation and reconnect behavior.
type SteamConfig struct {
	// MachineName is the machine name reported at logon.
	// Default: masterfarm
	MachineName string `yaml:"machine_name"`

	// DialTimeout is the connection establishment timeout, as a
	// duration string. Default: 30s
	DialTimeout string `yaml:"dial_timeout"`

	// Simulator runs sessions against the in-process simulator
	// instead of the real network. Used for local development and
	// integration tests.
	Simulator bool `yaml:"simulator"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is the output format: text or json.
	// Default: text
	Format string `yaml:"format"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; they exist to give every
// field a sensible zero-value, not as a substitute for the file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Telegram: TelegramConfig{
			TokenEnv:    "MASTERFARM_TELEGRAM_TOKEN",
			APIBase:     "https://api.telegram.org",
			PollTimeout: "50s",
			SendRate:    25,
		},
		Database: DatabaseConfig{
			Path:     filepath.Join(homeDir, ".local", "share", "masterfarm", "accounts.db"),
			PoolSize: 4,
		},
		Challenge: ChallengeConfig{
			Timeout: "5m",
		},
		Control: ControlConfig{
			SocketPath: "/run/masterfarm/control.sock",
		},
		Steam: SteamConfig{
			MachineName: "masterfarm",
			DialTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the MASTERFARM_CONFIG environment
// variable. There are no fallbacks: if the variable is not set, Load
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("MASTERFARM_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("MASTERFARM_CONFIG environment variable not set; " +
			"set it to the path of your masterfarm.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults and expanding ${HOME}-style variables in paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Telegram.TokenFile = expandVars(c.Telegram.TokenFile, vars)
	c.Database.Path = expandVars(c.Database.Path, vars)
	c.Control.SocketPath = expandVars(c.Control.SocketPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported at once via errors.Join.
func (c *Config) Validate() error {
	var errs []error

	if c.Telegram.TokenFile == "" && c.Telegram.TokenEnv == "" {
		errs = append(errs, fmt.Errorf("telegram.token_file or telegram.token_env is required"))
	}
	if c.Telegram.APIBase == "" {
		errs = append(errs, fmt.Errorf("telegram.api_base is required"))
	}
	if c.Telegram.SendRate <= 0 {
		errs = append(errs, fmt.Errorf("telegram.send_rate must be positive"))
	}
	if _, err := time.ParseDuration(c.Telegram.PollTimeout); err != nil {
		errs = append(errs, fmt.Errorf("telegram.poll_timeout: %w", err))
	}

	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if c.Database.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("database.pool_size must be positive"))
	}

	if _, err := time.ParseDuration(c.Challenge.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("challenge.timeout: %w", err))
	}

	if c.Control.SocketPath == "" {
		errs = append(errs, fmt.Errorf("control.socket_path is required"))
	}

	if c.Steam.MachineName == "" {
		errs = append(errs, fmt.Errorf("steam.machine_name is required"))
	}
	if _, err := time.ParseDuration(c.Steam.DialTimeout); err != nil {
		errs = append(errs, fmt.Errorf("steam.dial_timeout: %w", err))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of: debug, info, warn, error"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ChallengeTimeout returns the parsed challenge timeout. Call only
// after Validate.
func (c *Config) ChallengeTimeout() time.Duration {
	d, err := time.ParseDuration(c.Challenge.Timeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// PollTimeout returns the parsed long-poll timeout. Call only after
// Validate.
func (c *Config) PollTimeout() time.Duration {
	d, err := time.ParseDuration(c.Telegram.PollTimeout)
	if err != nil {
		return 50 * time.Second
	}
	return d
}

// DialTimeout returns the parsed connection timeout. Call only after
// Validate.
func (c *Config) DialTimeout() time.Duration {
	d, err := time.ParseDuration(c.Steam.DialTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// EnsurePaths creates the directories the daemon writes to: the
// database parent directory and the control socket directory.
func (c *Config) EnsurePaths() error {
	dirs := []string{
		filepath.Dir(c.Database.Path),
		filepath.Dir(c.Control.SocketPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}

	return nil
}
