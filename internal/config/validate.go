package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateRealtime(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBackend() error {
	parsed, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("backend.url must use http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("backend.url must include a host")
	}
	if err := ensurePositiveMap(map[string]int{
		"backend.request_timeout":    c.Backend.RequestTimeout,
		"backend.max_attempts":       c.Backend.MaxAttempts,
		"backend.retry_max_delay_ms": c.Backend.RetryMaxDelayMS,
	}); err != nil {
		return err
	}
	if c.Backend.RetryBaseDelayMS > c.Backend.RetryMaxDelayMS {
		return errors.New("backend.retry_base_delay_ms must not exceed backend.retry_max_delay_ms")
	}
	return nil
}

func (c *Config) validateRealtime() error {
	if c.Realtime.ReconnectDelayMaxMS < c.Realtime.ReconnectDelayMS {
		return errors.New("realtime.reconnect_delay_max_ms must be >= realtime.reconnect_delay_ms")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	switch c.Notifications.MinSeverity {
	case "info", "success", "warning", "error":
	default:
		return fmt.Errorf("notifications.min_severity must be one of info, success, warning, error (got %q)", c.Notifications.MinSeverity)
	}
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
