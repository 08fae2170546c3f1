package main

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gofrs/flock"

	"github.com/cbmeeks/machine/internal/logging"
	"github.com/cbmeeks/machine/internal/runlog"
	"github.com/cbmeeks/machine/internal/stageexec"
)

func decodeReports(t *testing.T, raw string) []sourceReport {
	t.Helper()
	var reports []sourceReport
	if err := json.Unmarshal([]byte(raw), &reports); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return reports
}

func TestProcessRunsEveryStageAndDetectsUnchangedData(t *testing.T) {
	env := setupCLITestEnv(t)
	dir := filepath.Join(env.baseDir, "sources")
	env.writeDescriptor(t, dir, "us-ca-alameda", 7)
	env.writeDescriptor(t, dir, "us-ca-berkeley", 3)

	out, err := env.run(t, "process", dir, "--skip-preflight", "--json", "-j", "2")
	if err != nil {
		t.Fatalf("process: %v\n%s", err, out)
	}
	reports := decodeReports(t, out)
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if reports[0].Source != "us-ca-alameda" || reports[1].Source != "us-ca-berkeley" {
		t.Fatalf("reports should follow descriptor order: %+v", reports)
	}
	for _, r := range reports {
		if r.Status != sourceSucceeded || r.Cache == "" || r.Processed == "" || r.Sample == "" {
			t.Fatalf("unexpected report: %+v", r)
		}
		if r.FingerprintChanged != nil {
			t.Fatalf("first run has no history to compare: %+v", r)
		}
	}
	if reports[0].SampleRows != 6 || reports[1].SampleRows != 4 {
		t.Fatalf("unexpected sample sizes: %d, %d", reports[0].SampleRows, reports[1].SampleRows)
	}

	out, err = env.run(t, "process", dir, "--skip-preflight", "--json")
	if err != nil {
		t.Fatalf("second process: %v\n%s", err, out)
	}
	for _, r := range decodeReports(t, out) {
		if r.FingerprintChanged == nil || *r.FingerprintChanged {
			t.Fatalf("expected unchanged data on rerun: %+v", r)
		}
	}

	out, err = env.run(t, "runs", "--json", "--limit", "0")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	var runs []runlog.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 12 {
		t.Fatalf("expected 12 recorded runs, got %d", len(runs))
	}
}

func TestProcessRefusesWhileLocked(t *testing.T) {
	env := setupCLITestEnv(t)
	desc := env.writeDescriptor(t, filepath.Join(env.baseDir, "sources"), "us-ca-alameda", 1)

	lock := flock.New(env.cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil || !locked {
		t.Fatalf("TryLock: %v %v", locked, err)
	}
	defer lock.Unlock()

	_, err = env.run(t, "process", desc, "--skip-preflight")
	if err == nil || !strings.Contains(err.Error(), "another machine process") {
		t.Fatalf("expected lock error, got %v", err)
	}
}

type fakeRunner struct {
	conformCalls atomic.Int32
	cacheURL     map[string]string
	conformURL   string
	block        chan struct{}
}

func (f *fakeRunner) Cache(ctx context.Context, path string, _ map[string]any) (stageexec.CacheResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return stageexec.CacheResult{}, ctx.Err()
		}
	}
	url := f.cacheURL[filepath.Base(path)]
	if url == "" {
		return stageexec.CacheResult{}, nil
	}
	return stageexec.CacheResult{URL: url, Fingerprint: "new", Version: "20260301"}, nil
}

func (f *fakeRunner) Conform(_ context.Context, _ string, extras map[string]any) (stageexec.ConformResult, error) {
	f.conformCalls.Add(1)
	if extras["cache"] == "" {
		return stageexec.ConformResult{}, errors.New("missing cache")
	}
	return stageexec.ConformResult{URL: f.conformURL}, nil
}

func (f *fakeRunner) Excerpt(context.Context, string, map[string]any) (stageexec.ExcerptResult, error) {
	return stageexec.ExcerptResult{SampleURL: "file:///sample.json", Rows: [][]any{{"A"}}}, nil
}

type fakeHistory map[string]runlog.Run

func (h fakeHistory) LatestSucceeded(_ context.Context, source, _ string) (runlog.Run, bool, error) {
	run, ok := h[source]
	return run, ok, nil
}

func TestRunBatchSkipsLaterStagesWhenCacheIsEmpty(t *testing.T) {
	runner := &fakeRunner{
		cacheURL:   map[string]string{"a.json": "file:///a.zip"},
		conformURL: "file:///a.csv",
	}
	history := fakeHistory{"a": {Fingerprint: "old"}}

	reports, err := runBatch(context.Background(), runner, history, logging.NewNop(), []string{"/src/a.json", "/src/b.json"}, 4)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if reports[0].Status != sourceSucceeded {
		t.Fatalf("a: %+v", reports[0])
	}
	if reports[0].FingerprintChanged == nil || !*reports[0].FingerprintChanged {
		t.Fatalf("a should report changed data: %+v", reports[0])
	}
	if reports[1].Status != sourceFailed || reports[1].Error == "" {
		t.Fatalf("b: %+v", reports[1])
	}
	if got := runner.conformCalls.Load(); got != 1 {
		t.Fatalf("conform ran %d times, want 1", got)
	}
	if err := batchError(reports); err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("unexpected batch error: %v", err)
	}
}

func TestRunBatchMarksMissingConformAsPartial(t *testing.T) {
	runner := &fakeRunner{cacheURL: map[string]string{"a.json": "file:///a.zip"}}

	reports, err := runBatch(context.Background(), runner, fakeHistory{}, logging.NewNop(), []string{"a.json"}, 1)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if reports[0].Status != sourcePartial || !strings.Contains(reports[0].Error, "conform") {
		t.Fatalf("unexpected report: %+v", reports[0])
	}
}

func TestRunBatchStopsOnCancellation(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runBatch(ctx, runner, fakeHistory{}, logging.NewNop(), []string{"a.json", "b.json"}, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
