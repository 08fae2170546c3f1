package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Kind {
	case StoreKindS3:
		if c.Store.Endpoint == "" {
			return errors.New("store.endpoint must be set when store.kind is \"s3\"")
		}
		if c.Store.Bucket == "" {
			defaultPath, err := DefaultConfigPath()
			if err != nil {
				defaultPath = defaultConfigPath
			}
			return fmt.Errorf("store.bucket is required. Set MACHINE_STORE_BUCKET env var or edit %s (create with 'machine config init')", defaultPath)
		}
	case StoreKindLocal:
		if c.Store.LocalDir == "" {
			return errors.New("store.local_dir must be set when store.kind is \"local\"")
		}
	default:
		return fmt.Errorf("store.kind must be %q or %q, got %q", StoreKindS3, StoreKindLocal, c.Store.Kind)
	}
	return nil
}

func (c *Config) validateStages() error {
	if c.Stages.CacheTimeout < 0 {
		return errors.New("stages.cache_timeout must be zero or positive")
	}
	if c.Stages.ConformTimeout < 0 {
		return errors.New("stages.conform_timeout must be zero or positive")
	}
	if c.Stages.ExcerptTimeout < 0 {
		return errors.New("stages.excerpt_timeout must be zero or positive")
	}
	if c.Stages.SampleRows < 0 {
		return errors.New("stages.sample_rows must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be zero or positive")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not recognized", c.Logging.Level)
	}
	return nil
}
