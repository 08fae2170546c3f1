package artifact

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cbmeeks/machine/internal/fileutil"
	"github.com/cbmeeks/machine/internal/services"
)

// LocalStore keeps artifacts in a directory tree and serves file:// URLs.
type LocalStore struct {
	root string
}

// NewLocalStore returns a store rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve local store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create local store root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Root returns the store directory.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimLeft(key, "/")))
}

// Put copies localPath into the tree and fingerprints the committed file.
func (s *LocalStore) Put(_ context.Context, key, localPath, _ string) (Artifact, error) {
	dest := s.path(key)
	if err := fileutil.CopyFileAtomic(localPath, dest); err != nil {
		return Artifact{}, services.Wrap(services.ErrUpload, "", "put", key, err)
	}
	return s.artifact(key)
}

// Promote renames the staged file over key.
func (s *LocalStore) Promote(_ context.Context, stagingKey, key string) (Artifact, error) {
	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Artifact{}, services.Wrap(services.ErrUpload, "", "promote", key, err)
	}
	if err := os.Rename(s.path(stagingKey), dest); err != nil {
		return Artifact{}, services.Wrap(services.ErrUpload, "", "promote", key, err)
	}
	return s.artifact(key)
}

// RemovePrefix deletes the directory or files under prefix.
func (s *LocalStore) RemovePrefix(_ context.Context, prefix string) error {
	trimmed := strings.TrimLeft(prefix, "/")
	if trimmed == "" {
		return fmt.Errorf("refusing to remove the store root")
	}
	if err := os.RemoveAll(s.path(trimmed)); err != nil {
		return services.Wrap(services.ErrUpload, "", "remove prefix", prefix, err)
	}
	return nil
}

// URL returns the file:// URL of key.
func (s *LocalStore) URL(key string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(s.path(key))}).String()
}

// Check verifies the store root is a writable directory.
func (s *LocalStore) Check(_ context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "", "check store", s.root, err)
	}
	if !info.IsDir() {
		return services.Wrap(services.ErrConfiguration, "", "check store", s.root+" is not a directory", nil)
	}
	probe, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "", "check store", s.root+" is not writable", err)
	}
	_ = probe.Close()
	return os.Remove(probe.Name())
}

// Env returns the variables OpenFromEnv needs to reopen this store.
func (s *LocalStore) Env() []string {
	return []string{
		envStoreKind + "=" + KindLocal,
		envLocalDir + "=" + s.root,
	}
}

func (s *LocalStore) artifact(key string) (Artifact, error) {
	sum, err := fileutil.MD5File(s.path(key))
	if err != nil {
		return Artifact{}, services.Wrap(services.ErrUpload, "", "fingerprint", key, err)
	}
	return Artifact{Key: key, URL: s.URL(key), Fingerprint: sum}, nil
}
