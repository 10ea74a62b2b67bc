package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.normalizeBackend()
	c.normalizeRealtime()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDownloads()
	c.normalizeNotifications()
	c.normalizeLogging()
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	return nil
}

func (c *Config) normalizeBackend() {
	if value, ok := os.LookupEnv("MODELQ_API_URL"); ok && strings.TrimSpace(value) != "" {
		c.Backend.URL = value
	}
	c.Backend.URL = strings.TrimRight(strings.TrimSpace(c.Backend.URL), "/")
	if c.Backend.URL == "" {
		c.Backend.URL = defaultBackendURL
	}
	if !strings.Contains(c.Backend.URL, "://") {
		c.Backend.URL = "http://" + c.Backend.URL
	}
	c.Backend.Token = strings.TrimSpace(c.Backend.Token)
	if c.Backend.Token == "" {
		if value, ok := os.LookupEnv("MODELQ_TOKEN"); ok {
			c.Backend.Token = strings.TrimSpace(value)
		}
	}
	if c.Backend.RequestTimeout <= 0 {
		c.Backend.RequestTimeout = defaultRequestTimeout
	}
	if c.Backend.MaxAttempts <= 0 {
		c.Backend.MaxAttempts = defaultMaxAttempts
	}
	if c.Backend.RetryBaseDelayMS < 0 {
		c.Backend.RetryBaseDelayMS = defaultRetryBaseDelayMS
	}
	if c.Backend.RetryMaxDelayMS <= 0 {
		c.Backend.RetryMaxDelayMS = defaultRetryMaxDelayMS
	}
	c.Backend.UserAgent = strings.TrimSpace(c.Backend.UserAgent)
	if c.Backend.UserAgent == "" {
		c.Backend.UserAgent = defaultUserAgent
	}
}

func (c *Config) normalizeRealtime() {
	c.Realtime.Path = strings.TrimSpace(c.Realtime.Path)
	if c.Realtime.Path == "" {
		c.Realtime.Path = defaultRealtimePath
	}
	if !strings.HasPrefix(c.Realtime.Path, "/") {
		c.Realtime.Path = "/" + c.Realtime.Path
	}
	if !strings.HasSuffix(c.Realtime.Path, "/") {
		c.Realtime.Path += "/"
	}
	if c.Realtime.ReconnectDelayMS <= 0 {
		c.Realtime.ReconnectDelayMS = defaultReconnectDelayMS
	}
	if c.Realtime.ReconnectDelayMaxMS <= 0 {
		c.Realtime.ReconnectDelayMaxMS = defaultReconnectDelayMaxMS
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

// The download path lives on the backend host, so it is never expanded locally.
func (c *Config) normalizeDownloads() {
	c.Downloads.DefaultPath = strings.TrimSpace(c.Downloads.DefaultPath)
	if c.Downloads.DefaultPath == "" {
		c.Downloads.DefaultPath = defaultDownloadPath
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("MODELQ_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
	c.Notifications.MinSeverity = strings.ToLower(strings.TrimSpace(c.Notifications.MinSeverity))
	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = defaultNotifyMinSeverity
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
