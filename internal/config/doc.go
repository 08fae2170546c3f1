// Package config loads, normalizes, and validates machine configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// AWS_ACCESS_KEY_ID and MACHINE_STORE_BUCKET. The Config type centralizes the
// workspace directories, artifact store settings, and per-stage deadlines
// that the executor and CLI need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
