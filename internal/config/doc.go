// Package config loads, normalizes, and validates modelq configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads an optional .env file, and honours
// environment fallbacks such as MODELQ_API_URL and MODELQ_TOKEN. The Config
// type centralizes every knob the CLI and the watch process need, so the
// backend origin, retry policy, reconnect bounds, and state directory are
// discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
