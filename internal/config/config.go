package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Backend contains the REST origin and the transport retry policy.
type Backend struct {
	URL              string `toml:"url"`
	Token            string `toml:"token"`
	RequestTimeout   int    `toml:"request_timeout"`
	MaxAttempts      int    `toml:"max_attempts"`
	RetryBaseDelayMS int    `toml:"retry_base_delay_ms"`
	RetryMaxDelayMS  int    `toml:"retry_max_delay_ms"`
	UserAgent        string `toml:"user_agent"`
}

// Realtime contains push channel settings. Reconnect attempts are unlimited.
type Realtime struct {
	Path                string `toml:"path"`
	ReconnectDelayMS    int    `toml:"reconnect_delay_ms"`
	ReconnectDelayMaxMS int    `toml:"reconnect_delay_max_ms"`
}

// Paths contains local directories.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Downloads contains defaults applied to enqueue requests.
type Downloads struct {
	DefaultPath string `toml:"default_path"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	MinSeverity    string `toml:"min_severity"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Metrics contains the optional Prometheus listener used by `modelq watch`.
type Metrics struct {
	Bind string `toml:"bind"`
}

// Config encapsulates all configuration values for modelq.
//
// Configuration sections by subsystem:
//   - Backend: REST origin, bearer token fallback, retry policy
//   - Realtime: Socket.IO path and reconnect bounds
//   - Paths: state database and log directories
//   - Downloads: default destination sent with enqueue requests
//   - Notifications: ntfy mirror of user-facing messages
//   - Logging: log format and level
//   - Metrics: Prometheus listener
type Config struct {
	Backend       Backend       `toml:"backend"`
	Realtime      Realtime      `toml:"realtime"`
	Paths         Paths         `toml:"paths"`
	Downloads     Downloads     `toml:"downloads"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
	Metrics       Metrics       `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/modelq/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. A .env file in the working directory, when present,
// is loaded into the process environment before environment fallbacks are applied.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	if err := loadDotEnv(".env"); err != nil {
		return nil, "", false, err
	}

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadDotEnv never overrides variables that are already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("modelq.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// StatePath returns the SQLite database holding the durable snapshot and credentials.
func (c *Config) StatePath() string {
	return filepath.Join(c.Paths.StateDir, "state.db")
}

// RequestTimeout returns the per-attempt transport timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.RequestTimeout) * time.Second
}

// RetryBackoff returns the base and maximum transport retry delays.
func (c *Config) RetryBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Backend.RetryBaseDelayMS) * time.Millisecond,
		time.Duration(c.Backend.RetryMaxDelayMS) * time.Millisecond
}

// ReconnectBounds returns the realtime reconnect initial delay and cap.
func (c *Config) ReconnectBounds() (time.Duration, time.Duration) {
	return time.Duration(c.Realtime.ReconnectDelayMS) * time.Millisecond,
		time.Duration(c.Realtime.ReconnectDelayMaxMS) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
