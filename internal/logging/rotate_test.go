package logging_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cbmeeks/machine/internal/config"
	"github.com/cbmeeks/machine/internal/logging"
)

func writeAged(t *testing.T, path, content string, modTime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatal(err)
	}
}

func TestRotateLogMovesEarlierDayAside(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)
	yesterday := now.Add(-20 * time.Hour)
	writeAged(t, filepath.Join(dir, logging.LogFileName), "old line\n", yesterday)

	if err := logging.RotateLog(dir, now); err != nil {
		t.Fatalf("RotateLog: %v", err)
	}
	rotated := filepath.Join(dir, "machine-2026-03-01.log")
	data, err := os.ReadFile(rotated)
	if err != nil || string(data) != "old line\n" {
		t.Fatalf("expected rotated log, got %q (%v)", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, logging.LogFileName)); !os.IsNotExist(err) {
		t.Fatal("machine.log should have been moved")
	}
}

func TestRotateLogAppendsToExistingDay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)
	yesterday := now.Add(-20 * time.Hour)
	rotated := filepath.Join(dir, "machine-2026-03-01.log")
	writeAged(t, rotated, "first\n", yesterday)
	writeAged(t, filepath.Join(dir, logging.LogFileName), "second\n", yesterday)

	if err := logging.RotateLog(dir, now); err != nil {
		t.Fatalf("RotateLog: %v", err)
	}
	data, err := os.ReadFile(rotated)
	if err != nil || string(data) != "first\nsecond\n" {
		t.Fatalf("expected appended log, got %q (%v)", data, err)
	}
}

func TestRotateLogKeepsTodaysLog(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)
	current := filepath.Join(dir, logging.LogFileName)
	writeAged(t, current, "today\n", now.Add(-time.Hour))

	if err := logging.RotateLog(dir, now); err != nil {
		t.Fatalf("RotateLog: %v", err)
	}
	if _, err := os.Stat(current); err != nil {
		t.Fatalf("today's log should stay in place: %v", err)
	}
	if err := logging.RotateLog(t.TempDir(), now); err != nil {
		t.Fatalf("RotateLog without a log: %v", err)
	}
}

func TestNewFromConfigRotatesBeforeOpening(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	lastWeek := time.Now().AddDate(0, 0, -7)
	writeAged(t, filepath.Join(cfg.Paths.LogDir, logging.LogFileName), "stale\n", lastWeek)

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	logger.Info("fresh run")

	current, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, logging.LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(current), "stale") || !strings.Contains(string(current), "fresh run") {
		t.Fatalf("machine.log should only hold today's lines, got %q", current)
	}
	rotated := filepath.Join(cfg.Paths.LogDir, "machine-"+lastWeek.Format("2006-01-02")+".log")
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("expected %s: %v", rotated, err)
	}
}

func TestPruneLogsRemovesExpiredRotations(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.Local)
	for _, name := range []string{
		"machine-2026-02-20.log",
		"machine-2026-03-25.log",
		logging.LogFileName,
		"notes.log",
		"machine-latest.log",
	} {
		writeAged(t, filepath.Join(dir, name), "x\n", now.AddDate(0, -2, 0))
	}

	if removed := logging.PruneLogs(logging.NewNop(), dir, 30, now); removed != 1 {
		t.Fatalf("expected one pruned log, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "machine-2026-02-20.log")); !os.IsNotExist(err) {
		t.Fatal("expired rotation should be removed")
	}
	for _, name := range []string{"machine-2026-03-25.log", logging.LogFileName, "notes.log", "machine-latest.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s should remain: %v", name, err)
		}
	}
}

func TestPruneLogsDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine-2020-01-01.log")
	writeAged(t, path, "x\n", time.Now().AddDate(-6, 0, 0))

	if removed := logging.PruneLogs(nil, dir, 0, time.Now()); removed != 0 {
		t.Fatalf("retention 0 must not prune, removed %d", removed)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("file should remain when retention is disabled")
	}
}
