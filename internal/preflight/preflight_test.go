package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cbmeeks/machine/internal/artifact"
	"github.com/cbmeeks/machine/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if result := CheckFreeSpace("space", dir, 1); !result.Passed {
		t.Fatalf("expected at least one free byte, got: %s", result.Detail)
	}
	result := CheckFreeSpace("space", dir, 1<<62)
	if result.Passed {
		t.Fatal("expected failure for an impossible threshold")
	}
	if !strings.Contains(result.Detail, "need") {
		t.Fatalf("detail should name the requirement: %s", result.Detail)
	}
	if result := CheckFreeSpace("space", filepath.Join(dir, "missing"), 1); result.Passed {
		t.Fatal("expected failure for a missing path")
	}
}

type failingStore struct {
	artifact.Store
	err error
}

func (s failingStore) Check(context.Context) error { return s.err }

func (s failingStore) URL(string) string { return "" }

func TestCheckStore(t *testing.T) {
	local, err := artifact.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if result := CheckStore(context.Background(), "local", local); !result.Passed {
		t.Fatalf("expected local store to pass: %s", result.Detail)
	}

	result := CheckStore(context.Background(), "s3", failingStore{err: errors.New("access denied")})
	if result.Passed || result.Detail != "access denied" {
		t.Fatalf("unexpected result %#v", result)
	}

	result = CheckStore(context.Background(), "s3", failingStore{err: context.DeadlineExceeded})
	if result.Passed || !strings.Contains(result.Detail, "timed out") {
		t.Fatalf("unexpected timeout summary %#v", result)
	}
}

func TestRunAllCoversConfiguredPaths(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := artifact.Open(cfg.Store)
	if err != nil {
		t.Fatal(err)
	}
	results := RunAll(context.Background(), cfg, store)
	if len(results) != 5 {
		t.Fatalf("expected 5 checks, got %d", len(results))
	}
	for _, r := range results {
		if r.Name == "Work directory space" {
			continue
		}
		if !r.Passed {
			t.Fatalf("%s failed: %s", r.Name, r.Detail)
		}
	}

	if err := os.RemoveAll(cfg.Paths.StateDir); err != nil {
		t.Fatal(err)
	}
	failed := Failed(RunAll(context.Background(), cfg, store))
	if len(failed) == 0 || failed[0].Name != "State directory" {
		t.Fatalf("expected state directory failure, got %#v", failed)
	}
}
