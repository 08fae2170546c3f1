package artifact

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cbmeeks/machine/internal/fileutil"
	"github.com/cbmeeks/machine/internal/services"
)

const (
	publicReadACL      = "public-read"
	reducedRedundancy  = "REDUCED_REDUNDANCY"
	defaultS3Endpoint  = "s3.amazonaws.com"
	defaultS3Region    = "us-east-1"
	headerACL          = "x-amz-acl"
	headerStorageClass = "x-amz-storage-class"
	headerContentType  = "Content-Type"
	defaultContentType = "application/octet-stream"

	// metaMD5 holds the MD5 of the uploaded file. Multipart uploads and
	// copies get a composite ETag, so the object's fingerprint is kept here.
	metaMD5 = "machine-md5"

	// uploadPartSize is the largest file FPutObject sends in one request.
	uploadPartSize = 64 << 20
	// maxCopySize is the largest object CopyObject can copy in one request.
	maxCopySize = 5 << 30
)

type S3Opts func(c *s3Config)

type s3Config struct {
	endpoint        string
	bucket          string
	region          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
}

func newS3Config(opts ...S3Opts) *s3Config {
	cfg := &s3Config{
		endpoint: defaultS3Endpoint,
		region:   defaultS3Region,
		useSSL:   true,
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// S3Store publishes artifacts to an S3-compatible bucket.
type S3Store struct {
	cfg    *s3Config
	client *minio.Client
}

// NewS3Store builds a store over minio-go. No request is made until the first upload.
func NewS3Store(opts ...S3Opts) (*S3Store, error) {
	cfg := newS3Config(opts...)
	if strings.TrimSpace(cfg.bucket) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "open store", "bucket is required", nil)
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
		Region: cfg.region,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "open store", cfg.endpoint, err)
	}
	return &S3Store{cfg: cfg, client: client}, nil
}

// Put uploads localPath publicly readable with reduced redundancy. The
// fingerprint is the MD5 of localPath, which matches the ETag only for
// single-part uploads.
func (s *S3Store) Put(ctx context.Context, key, localPath, contentType string) (Artifact, error) {
	if contentType == "" {
		contentType = defaultContentType
	}
	sum, err := fileutil.MD5File(localPath)
	if err != nil {
		return Artifact{}, services.Wrap(services.ErrUpload, "", "put", key, err)
	}
	_, err = s.client.FPutObject(ctx, s.cfg.bucket, key, localPath, minio.PutObjectOptions{
		ContentType:  contentType,
		StorageClass: reducedRedundancy,
		PartSize:     uploadPartSize,
		UserMetadata: map[string]string{headerACL: publicReadACL, metaMD5: sum},
	})
	if err != nil {
		return Artifact{}, services.Wrap(services.ErrUpload, "", "put", key, err)
	}
	return Artifact{Key: key, URL: s.URL(key), Fingerprint: sum}, nil
}

// Promote copies the staged object server-side to key, replacing metadata so
// the ACL and storage class survive, then deletes the staged object. Objects
// above the single-copy limit are composed from ranged part copies. The
// fingerprint is the MD5 recorded by Put, or the copy's ETag when the staged
// object has none.
func (s *S3Store) Promote(ctx context.Context, stagingKey, key string) (Artifact, error) {
	stat, err := s.client.StatObject(ctx, s.cfg.bucket, stagingKey, minio.StatObjectOptions{})
	if err != nil {
		return Artifact{}, services.Wrap(services.ErrUpload, "", "promote", "stat "+stagingKey, err)
	}
	contentType := stat.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	sum := stat.UserMetadata[http.CanonicalHeaderKey(metaMD5)]
	meta := map[string]string{
		headerACL:          publicReadACL,
		headerStorageClass: reducedRedundancy,
		headerContentType:  contentType,
	}
	if sum != "" {
		meta[metaMD5] = sum
	}
	dst := minio.CopyDestOptions{
		Bucket:          s.cfg.bucket,
		Object:          key,
		ReplaceMetadata: true,
		UserMetadata:    meta,
	}
	src := minio.CopySrcOptions{Bucket: s.cfg.bucket, Object: stagingKey}

	var info minio.UploadInfo
	if stat.Size > maxCopySize {
		info, err = s.client.ComposeObject(ctx, dst, src)
	} else {
		info, err = s.client.CopyObject(ctx, dst, src)
	}
	if err != nil {
		return Artifact{}, services.Wrap(services.ErrUpload, "", "promote", key, err)
	}
	if err := s.client.RemoveObject(ctx, s.cfg.bucket, stagingKey, minio.RemoveObjectOptions{}); err != nil {
		return Artifact{}, services.Wrap(services.ErrUpload, "", "promote", "remove "+stagingKey, err)
	}
	if sum == "" {
		sum = info.ETag
	}
	return Artifact{Key: key, URL: s.URL(key), Fingerprint: sum}, nil
}

// RemovePrefix deletes every object under prefix.
func (s *S3Store) RemovePrefix(ctx context.Context, prefix string) error {
	if strings.Trim(prefix, "/") == "" {
		return fmt.Errorf("refusing to remove the whole bucket")
	}
	for object := range s.client.ListObjects(ctx, s.cfg.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return services.Wrap(services.ErrUpload, "", "remove prefix", prefix, object.Err)
		}
		if err := s.client.RemoveObject(ctx, s.cfg.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return services.Wrap(services.ErrUpload, "", "remove prefix", object.Key, err)
		}
	}
	return nil
}

// URL returns the unsigned public URL of key.
func (s *S3Store) URL(key string) string {
	scheme := "http"
	if s.cfg.useSSL {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: s.cfg.endpoint, Path: "/" + s.cfg.bucket + "/" + key}
	return u.String()
}

// Check verifies that the bucket is reachable with the configured credentials.
func (s *S3Store) Check(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.cfg.bucket)
	if err != nil {
		return services.Wrap(services.ErrTransient, "", "check store", s.cfg.bucket, err)
	}
	if !ok {
		return services.Wrap(services.ErrConfiguration, "", "check store", fmt.Sprintf("bucket %s does not exist", s.cfg.bucket), nil)
	}
	return nil
}

// Env returns the variables OpenFromEnv needs to reopen this store.
func (s *S3Store) Env() []string {
	return []string{
		envStoreKind + "=" + KindS3,
		envEndpoint + "=" + s.cfg.endpoint,
		envBucket + "=" + s.cfg.bucket,
		envRegion + "=" + s.cfg.region,
		envUseSSL + "=" + strconv.FormatBool(s.cfg.useSSL),
		envAccessKey + "=" + s.cfg.accessKey,
		envSecretKey + "=" + s.cfg.secretAccessKey,
	}
}

func WithEndpoint(endpoint string) S3Opts {
	return func(c *s3Config) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

func WithBucket(bucket string) S3Opts {
	return func(c *s3Config) {
		c.bucket = bucket
	}
}

func WithRegion(region string) S3Opts {
	return func(c *s3Config) {
		if region != "" {
			c.region = region
		}
	}
}

func WithAccessKey(accessKey string) S3Opts {
	return func(c *s3Config) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) S3Opts {
	return func(c *s3Config) {
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) S3Opts {
	return func(c *s3Config) {
		c.useSSL = useSSL
	}
}
