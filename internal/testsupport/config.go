package testsupport

import (
	"path/filepath"
	"testing"

	"modelq/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config whose state and log directories live in a
// per-test temp directory.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Backend.RetryBaseDelayMS = 1
	cfgVal.Backend.RetryMaxDelayMS = 5

	builder := &configBuilder{t: t, baseDir: base, cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithBackendURL points the config at a test server.
func WithBackendURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Backend.URL = url
	}
}

// WithToken sets the configured bearer token fallback.
func WithToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Backend.Token = token
	}
}

// WithFastReconnect shrinks realtime reconnect delays.
func WithFastReconnect() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Realtime.ReconnectDelayMS = 10
		b.cfg.Realtime.ReconnectDelayMaxMS = 50
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
