package testsupport

import (
	"path/filepath"
	"testing"

	"github.com/cbmeeks/machine/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test
// and a local artifact store. It applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Store.Kind = config.StoreKindLocal
	cfgVal.Store.LocalDir = filepath.Join(base, "artifacts")
	cfgVal.Stages.PollIntervalMS = 20

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithStageTimeouts overrides the per-stage budgets, in seconds.
func WithStageTimeouts(cache, conform, excerpt int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Stages.CacheTimeout = cache
		b.cfg.Stages.ConformTimeout = conform
		b.cfg.Stages.ExcerptTimeout = excerpt
	}
}

// WithS3Store points the config at an S3-compatible endpoint.
func WithS3Store(endpoint, bucket string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Store.Kind = config.StoreKindS3
		b.cfg.Store.Endpoint = endpoint
		b.cfg.Store.Bucket = bucket
		b.cfg.Store.UseSSL = false
		b.cfg.Store.AccessKey = "test-access"
		b.cfg.Store.SecretKey = "test-secret"
	}
}
