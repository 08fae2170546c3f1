package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeStages()
	c.normalizeBatch()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
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

func (c *Config) normalizeStore() error {
	c.Store.Kind = strings.ToLower(strings.TrimSpace(c.Store.Kind))
	if c.Store.Kind == "" {
		c.Store.Kind = StoreKindS3
	}
	c.Store.Endpoint = strings.TrimSpace(c.Store.Endpoint)
	c.Store.Bucket = strings.TrimSpace(c.Store.Bucket)
	c.Store.Region = strings.TrimSpace(c.Store.Region)
	if c.Store.Bucket == "" {
		if value, ok := os.LookupEnv("MACHINE_STORE_BUCKET"); ok {
			c.Store.Bucket = strings.TrimSpace(value)
		}
	}
	if c.Store.AccessKey == "" {
		if value, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok {
			c.Store.AccessKey = value
		}
	}
	if c.Store.SecretKey == "" {
		if value, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok {
			c.Store.SecretKey = value
		}
	}
	if strings.TrimSpace(c.Store.LocalDir) == "" {
		c.Store.LocalDir = defaultLocalStoreDir
	}
	var err error
	if c.Store.LocalDir, err = expandPath(c.Store.LocalDir); err != nil {
		return fmt.Errorf("store.local_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeStages() {
	if c.Stages.PollIntervalMS <= 0 {
		c.Stages.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Stages.SampleRows == 0 {
		c.Stages.SampleRows = defaultSampleRows
	}
}

func (c *Config) normalizeBatch() {
	if c.Batch.Concurrency <= 0 {
		c.Batch.Concurrency = defaultBatchConcurrency
	}
	if c.Batch.StaleWorkspaceHours <= 0 {
		c.Batch.StaleWorkspaceHours = defaultStaleWorkspaceHours
	}
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch format {
	case "", "console", "pretty", "text":
		c.Logging.Format = "console"
	default:
		c.Logging.Format = format
	}
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
}
