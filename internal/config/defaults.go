package config

const (
	defaultConfigPath          = "~/.config/machine/config.toml"
	defaultWorkDir             = "~/.local/share/machine/work"
	defaultStateDir            = "~/.local/share/machine/state"
	defaultLogDir              = "~/.local/share/machine/logs"
	defaultLocalStoreDir       = "~/.local/share/machine/artifacts"
	defaultStoreEndpoint       = "s3.amazonaws.com"
	defaultStoreRegion         = "us-east-1"
	defaultCacheTimeout        = 3600
	defaultConformTimeout      = 3600
	defaultExcerptTimeout      = 120
	defaultPollIntervalMS      = 500
	defaultSampleRows          = 5
	defaultBatchConcurrency    = 4
	defaultStaleWorkspaceHours = 24
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultLogRetentionDays    = 30
)

// Store backends.
const (
	StoreKindS3    = "s3"
	StoreKindLocal = "local"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:  defaultWorkDir,
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Store: Store{
			Kind:     StoreKindS3,
			Endpoint: defaultStoreEndpoint,
			Region:   defaultStoreRegion,
			UseSSL:   true,
			LocalDir: defaultLocalStoreDir,
		},
		Stages: Stages{
			CacheTimeout:   defaultCacheTimeout,
			ConformTimeout: defaultConformTimeout,
			ExcerptTimeout: defaultExcerptTimeout,
			PollIntervalMS: defaultPollIntervalMS,
			SampleRows:     defaultSampleRows,
		},
		Batch: Batch{
			Concurrency:         defaultBatchConcurrency,
			StaleWorkspaceHours: defaultStaleWorkspaceHours,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
