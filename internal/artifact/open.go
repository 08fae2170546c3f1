package artifact

import (
	"context"

	"github.com/kelseyhightower/envconfig"

	"github.com/cbmeeks/machine/internal/config"
	"github.com/cbmeeks/machine/internal/services"
)

// Store kinds.
const (
	KindS3    = config.StoreKindS3
	KindLocal = config.StoreKindLocal
)

const (
	envStoreKind = "MACHINE_STORE_KIND"
	envEndpoint  = "MACHINE_STORE_ENDPOINT"
	envBucket    = "MACHINE_STORE_BUCKET"
	envRegion    = "MACHINE_STORE_REGION"
	envUseSSL    = "MACHINE_STORE_USE_SSL"
	envLocalDir  = "MACHINE_STORE_LOCAL_DIR"
	envAccessKey = "AWS_ACCESS_KEY_ID"
	envSecretKey = "AWS_SECRET_ACCESS_KEY"
)

// envSpec is the worker-side view of the store, filled from the variables a
// Store's Env method exports.
type envSpec struct {
	Kind      string `envconfig:"MACHINE_STORE_KIND" default:"s3"`
	Endpoint  string `envconfig:"MACHINE_STORE_ENDPOINT" default:"s3.amazonaws.com"`
	Bucket    string `envconfig:"MACHINE_STORE_BUCKET"`
	Region    string `envconfig:"MACHINE_STORE_REGION" default:"us-east-1"`
	UseSSL    bool   `envconfig:"MACHINE_STORE_USE_SSL" default:"true"`
	LocalDir  string `envconfig:"MACHINE_STORE_LOCAL_DIR"`
	AccessKey string `envconfig:"AWS_ACCESS_KEY_ID"`
	SecretKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
}

// Open builds the store described by the [store] configuration section.
func Open(cfg config.Store) (Store, error) {
	return open(envSpec{
		Kind:      cfg.Kind,
		Endpoint:  cfg.Endpoint,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
		LocalDir:  cfg.LocalDir,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
	})
}

// OpenFromEnv rebuilds a store inside a worker process from its environment.
func OpenFromEnv() (Store, error) {
	var spec envSpec
	if err := envconfig.Process("", &spec); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "open store", "read environment", err)
	}
	return open(spec)
}

func open(spec envSpec) (Store, error) {
	switch spec.Kind {
	case KindLocal:
		if spec.LocalDir == "" {
			return nil, services.Wrap(services.ErrConfiguration, "", "open store", "local store directory is required", nil)
		}
		return NewLocalStore(spec.LocalDir)
	case KindS3, "":
		return NewS3Store(
			WithEndpoint(spec.Endpoint),
			WithBucket(spec.Bucket),
			WithRegion(spec.Region),
			WithAccessKey(spec.AccessKey),
			WithSecretKey(spec.SecretKey),
			WithSSL(spec.UseSSL),
		)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "open store", "unknown store kind "+spec.Kind, nil)
	}
}

// Checker is implemented by stores that can verify reachability.
type Checker interface {
	Check(ctx context.Context) error
}
