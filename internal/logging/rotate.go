package logging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Rotated logs are named machine-<day>.log after the last day they cover.
const (
	rotatedPrefix = "machine-"
	rotatedSuffix = ".log"
	rotatedLayout = "2006-01-02"
)

func rotatedName(day time.Time) string {
	return rotatedPrefix + day.Format(rotatedLayout) + rotatedSuffix
}

func rotatedDay(name string, loc *time.Location) (time.Time, bool) {
	stamp, ok := strings.CutPrefix(name, rotatedPrefix)
	if !ok {
		return time.Time{}, false
	}
	if stamp, ok = strings.CutSuffix(stamp, rotatedSuffix); !ok {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(rotatedLayout, stamp, loc)
	return day, err == nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// RotateLog moves machine.log in dir aside as machine-<day>.log when it was
// last written on a day before now. When that file already exists the old
// log is appended to it.
func RotateLog(dir string, now time.Time) error {
	current := filepath.Join(dir, LogFileName)
	info, err := os.Stat(current)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	written := info.ModTime().In(now.Location())
	if info.Size() == 0 || !written.Before(startOfDay(now)) {
		return nil
	}
	target := filepath.Join(dir, rotatedName(written))
	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		if err := os.Rename(current, target); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
		return nil
	}
	if err := appendFile(target, current); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	return os.Remove(current)
}

func appendFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_APPEND, 0o664)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// PruneLogs removes rotated logs in dir whose day is more than retentionDays
// before now and returns how many were removed. machine.log and files
// RotateLog did not name are left alone. Zero retentionDays disables pruning.
func PruneLogs(logger *slog.Logger, dir string, retentionDays int, now time.Time) int {
	if retentionDays <= 0 || strings.TrimSpace(dir) == "" {
		return 0
	}
	if logger == nil {
		logger = NewNop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := startOfDay(now).AddDate(0, 0, -retentionDays)
	removed := 0
	for _, entry := range entries {
		day, ok := rotatedDay(entry.Name(), now.Location())
		if entry.IsDir() || !ok || !day.Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check file permissions and log_dir ownership"),
				String(FieldImpact, "old log file remains on disk"),
			)
			continue
		}
		removed++
		logger.Info("log pruned", String("path", path), String(FieldEventType, "log_pruned"))
	}
	return removed
}
