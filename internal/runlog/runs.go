package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Run is one stage invocation as recorded in the ledger.
type Run struct {
	ID             string        `json:"run_id"`
	Stage          string        `json:"stage"`
	Source         string        `json:"source"`
	DescriptorPath string        `json:"descriptor_path,omitempty"`
	Status         string        `json:"status"`
	URL            string        `json:"url,omitempty"`
	Fingerprint    string        `json:"fingerprint,omitempty"`
	Version        string        `json:"version,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	FailureKind    string        `json:"failure_kind,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	Elapsed        time.Duration `json:"elapsed"`
}

// timeLayout is fixed width so finished_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const runColumns = "run_id, stage, source, descriptor_path, status, url, fingerprint, version, error_message, failure_kind, started_at, finished_at, elapsed_ms"

// Record inserts run. Re-recording a run id replaces the earlier row.
func (l *Ledger) Record(ctx context.Context, run Run) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("run id is required")
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.FinishedAt.Add(-run.Elapsed)
	}
	err := l.execWithRetry(ctx,
		`INSERT OR REPLACE INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Stage,
		run.Source,
		run.DescriptorPath,
		run.Status,
		run.URL,
		run.Fingerprint,
		run.Version,
		run.ErrorMessage,
		run.FailureKind,
		run.StartedAt.UTC().Format(timeLayout),
		run.FinishedAt.UTC().Format(timeLayout),
		run.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// List returns the most recent runs, newest first. A non-positive limit
// returns every run.
func (l *Ledger) List(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY finished_at DESC, run_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestSucceeded returns the newest succeeded run of stage for source.
func (l *Ledger) LatestSucceeded(ctx context.Context, source, stage string) (Run, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
         WHERE source = ? AND stage = ? AND status = 'succeeded'
         ORDER BY finished_at DESC LIMIT 1`,
		source, stage,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return run, true, nil
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (Run, error) {
	var (
		run         Run
		startedRaw  string
		finishedRaw string
		elapsedMS   int64
	)
	if err := scanner.Scan(
		&run.ID,
		&run.Stage,
		&run.Source,
		&run.DescriptorPath,
		&run.Status,
		&run.URL,
		&run.Fingerprint,
		&run.Version,
		&run.ErrorMessage,
		&run.FailureKind,
		&startedRaw,
		&finishedRaw,
		&elapsedMS,
	); err != nil {
		return Run{}, err
	}
	run.StartedAt = parseTime(startedRaw)
	run.FinishedAt = parseTime(finishedRaw)
	run.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	return run, nil
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
