package artifact_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cbmeeks/machine/internal/artifact"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return path
}

func md5Hex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

func readURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %q: %v", raw, err)
	}
	if u.Scheme != "file" {
		t.Fatalf("expected file url, got %q", raw)
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		t.Fatalf("read %s: %v", u.Path, err)
	}
	return string(data)
}

func TestLocalStorePutFingerprintsCommittedBytes(t *testing.T) {
	store, err := artifact.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	got, err := store.Put(ctx, "/20260101/a.zip", writeTemp(t, "first"), "application/zip")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got.Fingerprint != md5Hex("first") {
		t.Fatalf("fingerprint %s does not match content", got.Fingerprint)
	}
	if readURL(t, got.URL) != "first" {
		t.Fatal("URL does not resolve to uploaded bytes")
	}

	again, err := store.Put(ctx, "/20260101/a.zip", writeTemp(t, "second"), "")
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if again.URL != got.URL {
		t.Fatalf("same key should map to same URL: %s vs %s", again.URL, got.URL)
	}
	if readURL(t, again.URL) != "second" {
		t.Fatal("repeated put should overwrite")
	}
}

func TestLocalStorePromoteAndRemovePrefix(t *testing.T) {
	root := t.TempDir()
	store, err := artifact.NewLocalStore(root)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()
	key := "/20260101/src.csv"
	staging := artifact.StagingKey("run-a", key)

	if _, err := store.Put(ctx, staging, writeTemp(t, "X,Y\n"), "text/csv"); err != nil {
		t.Fatalf("Put staging: %v", err)
	}
	promoted, err := store.Promote(ctx, staging, key)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if promoted.Key != key || promoted.Fingerprint != md5Hex("X,Y\n") {
		t.Fatalf("unexpected promoted artifact %+v", promoted)
	}
	if _, err := os.Stat(filepath.Join(root, "_staging", "run-a", "20260101", "src.csv")); !os.IsNotExist(err) {
		t.Fatalf("staged file should be gone, stat err=%v", err)
	}

	if _, err := store.Put(ctx, artifact.StagingKey("run-b", key), writeTemp(t, "stray"), ""); err != nil {
		t.Fatalf("Put stray: %v", err)
	}
	if err := store.RemovePrefix(ctx, artifact.StagingPrefix("run-b")); err != nil {
		t.Fatalf("RemovePrefix: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "_staging", "run-b")); !os.IsNotExist(err) {
		t.Fatalf("staging prefix should be removed, stat err=%v", err)
	}
	if readURL(t, promoted.URL) != "X,Y\n" {
		t.Fatal("promoted artifact must survive prefix removal")
	}
	if err := store.RemovePrefix(ctx, "/"); err == nil {
		t.Fatal("expected refusal to remove the store root")
	}
}

func TestLocalStoreEnvRoundTrip(t *testing.T) {
	root := t.TempDir()
	store, err := artifact.NewLocalStore(root)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	for _, kv := range store.Env() {
		key, value, _ := strings.Cut(kv, "=")
		t.Setenv(key, value)
	}

	reopened, err := artifact.OpenFromEnv()
	if err != nil {
		t.Fatalf("OpenFromEnv: %v", err)
	}
	if reopened.URL("/k") != store.URL("/k") {
		t.Fatalf("reopened store maps keys differently: %s vs %s", reopened.URL("/k"), store.URL("/k"))
	}
	if err := store.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
}
