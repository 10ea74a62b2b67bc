package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"modelq/internal/config"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("MODELQ_API_URL", "")
	t.Setenv("MODELQ_TOKEN", "")
	t.Setenv("MODELQ_NTFY_TOPIC", "")
	t.Chdir(t.TempDir())
	return home
}

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	home := isolate(t)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if want := filepath.Join(home, ".config", "modelq", "config.toml"); resolved != want {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, want)
	}
	if want := filepath.Join(home, ".local", "share", "modelq"); cfg.Paths.StateDir != want {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, want)
	}
	if cfg.StatePath() != filepath.Join(cfg.Paths.StateDir, "state.db") {
		t.Fatalf("unexpected state path: %q", cfg.StatePath())
	}
	if cfg.Backend.URL != "http://localhost:5000" {
		t.Fatalf("unexpected backend url: %q", cfg.Backend.URL)
	}
	if cfg.RequestTimeout() != 10*time.Second {
		t.Fatalf("unexpected request timeout: %s", cfg.RequestTimeout())
	}
	if cfg.Backend.MaxAttempts != 3 {
		t.Fatalf("unexpected max attempts: %d", cfg.Backend.MaxAttempts)
	}
	minDelay, maxDelay := cfg.ReconnectBounds()
	if minDelay != time.Second || maxDelay != 5*time.Second {
		t.Fatalf("unexpected reconnect bounds: %s..%s", minDelay, maxDelay)
	}
	if cfg.Downloads.DefaultPath != "/workspace/models" {
		t.Fatalf("unexpected default download path: %q", cfg.Downloads.DefaultPath)
	}
	if cfg.Realtime.Path != "/socket.io/" {
		t.Fatalf("unexpected realtime path: %q", cfg.Realtime.Path)
	}
}

func TestLoadCustomConfigOverrides(t *testing.T) {
	isolate(t)
	configPath := filepath.Join(t.TempDir(), "modelq.toml")
	content := `
[backend]
url = "https://models.example.com/"
max_attempts = 5
retry_base_delay_ms = 50
retry_max_delay_ms = 400

[realtime]
path = "ws"

[downloads]
default_path = "/data/models"

[logging]
format = "JSON"
level = "DEBUG"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected custom config to be used, got %q exists=%v", resolved, exists)
	}
	if cfg.Backend.URL != "https://models.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Backend.URL)
	}
	if cfg.Backend.MaxAttempts != 5 {
		t.Fatalf("unexpected max attempts: %d", cfg.Backend.MaxAttempts)
	}
	base, capDelay := cfg.RetryBackoff()
	if base != 50*time.Millisecond || capDelay != 400*time.Millisecond {
		t.Fatalf("unexpected retry backoff: %s/%s", base, capDelay)
	}
	if cfg.Realtime.Path != "/ws/" {
		t.Fatalf("unexpected realtime path: %q", cfg.Realtime.Path)
	}
	if cfg.Downloads.DefaultPath != "/data/models" {
		t.Fatalf("unexpected download path: %q", cfg.Downloads.DefaultPath)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging settings: %+v", cfg.Logging)
	}
}

func TestLoadEnvironmentFallbacks(t *testing.T) {
	isolate(t)
	t.Setenv("MODELQ_API_URL", "backend.internal:8080")
	t.Setenv("MODELQ_TOKEN", " secret ")
	t.Setenv("MODELQ_NTFY_TOPIC", "https://ntfy.sh/modelq")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Backend.URL != "http://backend.internal:8080" {
		t.Fatalf("expected scheme added to env url, got %q", cfg.Backend.URL)
	}
	if cfg.Backend.Token != "secret" {
		t.Fatalf("expected token from env, got %q", cfg.Backend.Token)
	}
	if cfg.Notifications.NtfyTopic != "https://ntfy.sh/modelq" {
		t.Fatalf("expected ntfy topic from env, got %q", cfg.Notifications.NtfyTopic)
	}
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	isolate(t)
	os.Unsetenv("MODELQ_TOKEN")
	t.Cleanup(func() { os.Unsetenv("MODELQ_TOKEN") })
	if err := os.WriteFile(".env", []byte("MODELQ_TOKEN=from-dotenv\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Backend.Token != "from-dotenv" {
		t.Fatalf("expected token from .env, got %q", cfg.Backend.Token)
	}
}

func TestLoadPrefersProjectFileWhenHomeConfigMissing(t *testing.T) {
	isolate(t)
	if err := os.WriteFile("modelq.toml", []byte("[downloads]\ndefault_path = \"/srv/models\"\n"), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || !strings.HasSuffix(resolved, "modelq.toml") {
		t.Fatalf("expected project config, got %q exists=%v", resolved, exists)
	}
	if cfg.Downloads.DefaultPath != "/srv/models" {
		t.Fatalf("unexpected download path: %q", cfg.Downloads.DefaultPath)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "scheme",
			mutate: func(c *config.Config) { c.Backend.URL = "ftp://example.com" },
			want:   "backend.url",
		},
		{
			name: "retry delays",
			mutate: func(c *config.Config) {
				c.Backend.RetryBaseDelayMS = 5000
				c.Backend.RetryMaxDelayMS = 100
			},
			want: "retry_base_delay_ms",
		},
		{
			name: "reconnect bounds",
			mutate: func(c *config.Config) {
				c.Realtime.ReconnectDelayMS = 9000
				c.Realtime.ReconnectDelayMaxMS = 1000
			},
			want: "reconnect_delay_max_ms",
		},
		{
			name:   "severity",
			mutate: func(c *config.Config) { c.Notifications.MinSeverity = "loud" },
			want:   "min_severity",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	isolate(t)
	configPath := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(configPath, []byte("[backend\nurl="), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestCreateSampleProducesLoadableConfig(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var decoded config.Config
	if err := toml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("sample config is not valid TOML: %v", err)
	}
	if decoded.Backend.URL != config.Default().Backend.URL {
		t.Fatalf("sample backend url drifted from defaults: %q", decoded.Backend.URL)
	}
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("Load(sample) returned error: %v", err)
	}
}

func TestEnsureDirectoriesCreatesStateAndLogDirs(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories returned error: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.LogDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q: %v", dir, err)
		}
	}
}
