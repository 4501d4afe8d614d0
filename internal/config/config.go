package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"claude-relay/internal/checkpoint"

	"gopkg.in/yaml.v3"
)

const appDirName = "claude-relay"

// Config holds server configuration. Values come from the defaults, then
// the YAML file, then RELAY_* environment variables, then command-line
// flags.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Claude     ClaudeConfig     `yaml:"claude"`
	Stream     StreamConfig     `yaml:"stream"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ClaudeConfig struct {
	// Binary overrides the executable lookup.
	Binary          string        `yaml:"binary"`
	Model           string        `yaml:"model"`
	SkipPermissions bool          `yaml:"skip_permissions"`
	MaxSessions     int           `yaml:"max_sessions"`
	GracePeriod     time.Duration `yaml:"grace_period"`
}

type StreamConfig struct {
	ReplayCapacity   int `yaml:"replay_capacity"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type CheckpointConfig struct {
	DataDir     string   `yaml:"data_dir"`
	Policy      string   `yaml:"policy"`
	MaxFileSize int64    `yaml:"max_file_size"`
	Exclude     []string `yaml:"exclude"`
	SkipHidden  bool     `yaml:"skip_hidden"`
}

type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

type SessionsConfig struct {
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8420,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Claude: ClaudeConfig{
			Model:           "sonnet",
			SkipPermissions: true,
			MaxSessions:     10,
			GracePeriod:     5 * time.Second,
		},
		Stream: StreamConfig{
			ReplayCapacity:   1000,
			SubscriberBuffer: 256,
		},
		Checkpoint: CheckpointConfig{
			DataDir:     defaultDataDir(),
			Policy:      string(checkpoint.PolicyManual),
			MaxFileSize: 10 << 20,
			Exclude:     []string{".git", "node_modules"},
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: 500 * time.Millisecond,
		},
		Sessions: SessionsConfig{
			Retention:     30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("RELAY_HOST", &c.Server.Host)
	num("RELAY_PORT", &c.Server.Port)
	if v := getenv("RELAY_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	str("RELAY_CLAUDE_BINARY", &c.Claude.Binary)
	str("RELAY_MODEL", &c.Claude.Model)
	flag("RELAY_SKIP_PERMISSIONS", &c.Claude.SkipPermissions)
	num("RELAY_MAX_SESSIONS", &c.Claude.MaxSessions)
	dur("RELAY_GRACE_PERIOD", &c.Claude.GracePeriod)
	str("RELAY_DATA_DIR", &c.Checkpoint.DataDir)
	str("RELAY_CHECKPOINT_POLICY", &c.Checkpoint.Policy)
	dur("RELAY_RETENTION", &c.Sessions.Retention)
	str("RELAY_LOG_LEVEL", &c.Log.Level)
	str("RELAY_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Claude.MaxSessions <= 0 {
		errs = append(errs, errors.New("claude.max_sessions must be positive"))
	}
	if c.Stream.ReplayCapacity <= 0 {
		errs = append(errs, errors.New("stream.replay_capacity must be positive"))
	}
	if c.Stream.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("stream.subscriber_buffer must be positive"))
	}
	if c.Checkpoint.DataDir == "" {
		errs = append(errs, errors.New("checkpoint.data_dir is required"))
	}
	if _, err := checkpoint.ParsePolicy(c.Checkpoint.Policy); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// NewLogger builds the process logger described by the log section.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// defaultDataDir returns ~/.local/state/claude-relay, respecting
// XDG_STATE_HOME if set.
func defaultDataDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
