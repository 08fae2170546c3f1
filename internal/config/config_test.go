package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/cbmeeks/machine/internal/config"
)

func TestLoadDefaultConfigUsesEnvBucketAndExpandsPaths(t *testing.T) {
	t.Setenv("MACHINE_STORE_BUCKET", "data.openaddresses.io")
	t.Setenv("AWS_ACCESS_KEY_ID", "env-access")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantWork := filepath.Join(tempHome, ".local", "share", "machine", "work")
	if cfg.Paths.WorkDir != wantWork {
		t.Fatalf("unexpected work dir: got %q want %q", cfg.Paths.WorkDir, wantWork)
	}
	if cfg.Store.Kind != config.StoreKindS3 {
		t.Fatalf("expected s3 store by default, got %q", cfg.Store.Kind)
	}
	if cfg.Store.Bucket != "data.openaddresses.io" {
		t.Fatalf("expected bucket from env, got %q", cfg.Store.Bucket)
	}
	if cfg.Store.AccessKey != "env-access" || cfg.Store.SecretKey != "env-secret" {
		t.Fatalf("expected credentials from env, got %q/%q", cfg.Store.AccessKey, cfg.Store.SecretKey)
	}
	if got := cfg.StageTimeout("cache"); got != time.Hour {
		t.Fatalf("unexpected cache timeout: %v", got)
	}
	if got := cfg.StageTimeout("excerpt"); got != 2*time.Minute {
		t.Fatalf("unexpected excerpt timeout: %v", got)
	}
	if got := cfg.PollInterval(); got != 500*time.Millisecond {
		t.Fatalf("unexpected poll interval: %v", got)
	}
	if cfg.Stages.SampleRows != 5 {
		t.Fatalf("unexpected sample rows: %d", cfg.Stages.SampleRows)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{cfg.Paths.WorkDir, cfg.Paths.StateDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
	if cfg.LedgerPath() != filepath.Join(cfg.Paths.StateDir, "runs.db") {
		t.Fatalf("unexpected ledger path: %q", cfg.LedgerPath())
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "machine.toml")

	type payload struct {
		Store struct {
			Kind     string `toml:"kind"`
			LocalDir string `toml:"local_dir"`
		} `toml:"store"`
		Stages struct {
			ExcerptTimeout int `toml:"excerpt_timeout"`
			PollIntervalMS int `toml:"poll_interval_ms"`
		} `toml:"stages"`
		Logging struct {
			Format string `toml:"format"`
		} `toml:"logging"`
	}
	custom := payload{}
	custom.Store.Kind = "LOCAL"
	custom.Store.LocalDir = filepath.Join(tempDir, "artifacts")
	custom.Stages.ExcerptTimeout = 30
	custom.Stages.PollIntervalMS = 50
	custom.Logging.Format = "JSON"
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Store.Kind != config.StoreKindLocal {
		t.Fatalf("expected local store kind, got %q", cfg.Store.Kind)
	}
	if cfg.Store.LocalDir != custom.Store.LocalDir {
		t.Fatalf("unexpected local dir %q", cfg.Store.LocalDir)
	}
	if got := cfg.StageTimeout("Excerpt"); got != 30*time.Second {
		t.Fatalf("unexpected excerpt timeout: %v", got)
	}
	if got := cfg.PollInterval(); got != 50*time.Millisecond {
		t.Fatalf("unexpected poll interval: %v", got)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected json format, got %q", cfg.Logging.Format)
	}
	if cfg.StageTimeout("cache") != time.Hour {
		t.Fatalf("expected untouched cache timeout to keep default")
	}
}

func TestConfigFileWinsOverEnvCredentials(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "machine.toml")
	contents := "[store]\nbucket = \"file-bucket\"\naccess_key = \"file-access\"\n"
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MACHINE_STORE_BUCKET", "env-bucket")
	t.Setenv("AWS_ACCESS_KEY_ID", "env-access")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Store.Bucket != "file-bucket" {
		t.Errorf("expected bucket from file, got %q", cfg.Store.Bucket)
	}
	if cfg.Store.AccessKey != "file-access" {
		t.Errorf("expected access key from file, got %q", cfg.Store.AccessKey)
	}
	if cfg.Store.SecretKey != "env-secret" {
		t.Errorf("expected secret key from env fallback, got %q", cfg.Store.SecretKey)
	}
}

func TestLoadRejectsMissingBucket(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MACHINE_STORE_BUCKET", "")

	_, _, _, err := config.Load("")
	if err == nil {
		t.Fatal("expected error without a bucket")
	}
	if !strings.Contains(err.Error(), "store.bucket") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "[stages]") {
		t.Fatalf("sample config missing stages section: %s", contents)
	}

	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if !strings.Contains(cfg.Paths.WorkDir, "machine") {
		t.Fatalf("expected work dir to contain machine, got %q", cfg.Paths.WorkDir)
	}
	if cfg.Stages.ExcerptTimeout != config.Default().Stages.ExcerptTimeout {
		t.Fatalf("sample excerpt timeout drifted from defaults: %d", cfg.Stages.ExcerptTimeout)
	}
}

func TestEncodeMasksCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Store.AccessKey = "AKIA"
	cfg.Store.SecretKey = "shh"
	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(data), "shh") || strings.Contains(string(data), "AKIA") {
		t.Fatalf("credentials leaked: %s", data)
	}
	if cfg.Store.SecretKey != "shh" {
		t.Fatal("Encode must not mutate the receiver")
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Bucket = "bucket"
	cfg.Store.Kind = "ftp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown store kind")
	}

	cfg = config.Default()
	cfg.Store.Bucket = "bucket"
	cfg.Stages.CacheTimeout = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative timeout")
	}

	cfg = config.Default()
	cfg.Store.Bucket = "bucket"
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log format")
	}

	cfg = config.Default()
	cfg.Store.Kind = config.StoreKindLocal
	if err := cfg.Validate(); err != nil {
		t.Fatalf("local store should not need a bucket: %v", err)
	}

	cfg = config.Default()
	cfg.Stages.ExcerptTimeout = 0
	if got := cfg.StageTimeout("excerpt"); got != 0 {
		t.Fatalf("expected zero timeout to disable the deadline, got %v", got)
	}
}
