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

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	WorkDir  string `toml:"work_dir"`
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Store contains configuration for the artifact store.
type Store struct {
	Kind      string `toml:"kind"`
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	LocalDir  string `toml:"local_dir"`
}

// Stages contains per-stage execution budgets, in seconds.
type Stages struct {
	CacheTimeout   int `toml:"cache_timeout"`
	ConformTimeout int `toml:"conform_timeout"`
	ExcerptTimeout int `toml:"excerpt_timeout"`
	PollIntervalMS int `toml:"poll_interval_ms"`
	SampleRows     int `toml:"sample_rows"`
}

// Batch contains configuration for multi-descriptor processing.
type Batch struct {
	Concurrency         int `toml:"concurrency"`
	StaleWorkspaceHours int `toml:"stale_workspace_hours"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for machine.
//
// Configuration sections by subsystem:
//   - Paths: scratch workspaces, run ledger and log directories
//   - Store: artifact store backend and credentials
//   - Stages: per-stage deadlines, supervisor poll interval, sample size
//   - Batch: concurrency for `machine process` and workspace pruning
//   - Logging: log format, level, and retention
type Config struct {
	Paths   Paths   `toml:"paths"`
	Store   Store   `toml:"store"`
	Stages  Stages  `toml:"stages"`
	Batch   Batch   `toml:"batch"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

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

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("machine.toml")
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

// EnsureDirectories creates the directories the CLI writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Store.Kind == StoreKindLocal && strings.TrimSpace(c.Store.LocalDir) != "" {
		if err := os.MkdirAll(c.Store.LocalDir, 0o755); err != nil {
			return fmt.Errorf("create local store directory %q: %w", c.Store.LocalDir, err)
		}
	}
	return nil
}

// StageTimeout returns the wall-clock budget for the named stage. Unknown stages
// and non-positive budgets yield zero, meaning no deadline.
func (c *Config) StageTimeout(stage string) time.Duration {
	var seconds int
	switch strings.ToLower(strings.TrimSpace(stage)) {
	case "cache":
		seconds = c.Stages.CacheTimeout
	case "conform":
		seconds = c.Stages.ConformTimeout
	case "excerpt":
		seconds = c.Stages.ExcerptTimeout
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// PollInterval returns the supervisor liveness poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Stages.PollIntervalMS) * time.Millisecond
}

// StaleWorkspaceAge returns the age after which orphaned workspaces are pruned.
func (c *Config) StaleWorkspaceAge() time.Duration {
	return time.Duration(c.Batch.StaleWorkspaceHours) * time.Hour
}

// LedgerPath returns the path of the SQLite run ledger.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.StateDir, "runs.db")
}

// LockPath returns the path of the batch processing lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "machine.lock")
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

// Encode renders the effective configuration as TOML with credentials masked.
func (c *Config) Encode() ([]byte, error) {
	masked := *c
	if masked.Store.AccessKey != "" {
		masked.Store.AccessKey = "********"
	}
	if masked.Store.SecretKey != "" {
		masked.Store.SecretKey = "********"
	}
	data, err := toml.Marshal(masked)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
