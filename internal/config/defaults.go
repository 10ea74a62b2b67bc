package config

const (
	defaultBackendURL          = "http://localhost:5000"
	defaultRequestTimeout      = 10
	defaultMaxAttempts         = 3
	defaultRetryBaseDelayMS    = 100
	defaultRetryMaxDelayMS     = 2000
	defaultUserAgent           = "modelq/0.1.0"
	defaultRealtimePath        = "/socket.io/"
	defaultReconnectDelayMS    = 1000
	defaultReconnectDelayMaxMS = 5000
	defaultStateDir            = "~/.local/share/modelq"
	defaultLogDir              = "~/.local/share/modelq/logs"
	defaultDownloadPath        = "/workspace/models"
	defaultNotifyTimeout       = 10
	defaultNotifyMinSeverity   = "success"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Backend: Backend{
			URL:              defaultBackendURL,
			RequestTimeout:   defaultRequestTimeout,
			MaxAttempts:      defaultMaxAttempts,
			RetryBaseDelayMS: defaultRetryBaseDelayMS,
			RetryMaxDelayMS:  defaultRetryMaxDelayMS,
			UserAgent:        defaultUserAgent,
		},
		Realtime: Realtime{
			Path:                defaultRealtimePath,
			ReconnectDelayMS:    defaultReconnectDelayMS,
			ReconnectDelayMaxMS: defaultReconnectDelayMaxMS,
		},
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Downloads: Downloads{
			DefaultPath: defaultDownloadPath,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			MinSeverity:    defaultNotifyMinSeverity,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
