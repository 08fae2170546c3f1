package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cbmeeks/machine/internal/config"
	"github.com/cbmeeks/machine/internal/descriptor"
	"github.com/cbmeeks/machine/internal/logging"
	"github.com/cbmeeks/machine/internal/preflight"
	"github.com/cbmeeks/machine/internal/runlog"
	"github.com/cbmeeks/machine/internal/services"
	"github.com/cbmeeks/machine/internal/stageexec"
	"github.com/cbmeeks/machine/internal/staging"
	"github.com/cbmeeks/machine/internal/worker"
)

// Per-source batch statuses.
const (
	sourceSucceeded = "succeeded"
	sourcePartial   = "partial"
	sourceFailed    = "failed"
)

// sourceReport summarizes the cache → conform → excerpt chain for one descriptor.
type sourceReport struct {
	Source             string        `json:"source"`
	Descriptor         string        `json:"descriptor"`
	Status             string        `json:"status"`
	Cache              string        `json:"cache"`
	Fingerprint        string        `json:"fingerprint"`
	Version            string        `json:"version"`
	FingerprintChanged *bool         `json:"fingerprint_changed,omitempty"`
	Processed          string        `json:"processed"`
	Sample             string        `json:"sample"`
	SampleRows         int           `json:"sample_rows"`
	Error              string        `json:"error,omitempty"`
	Elapsed            time.Duration `json:"elapsed"`
}

// stageRunner is the slice of the executor a batch needs.
type stageRunner interface {
	Cache(ctx context.Context, descriptorPath string, extras map[string]any) (stageexec.CacheResult, error)
	Conform(ctx context.Context, descriptorPath string, extras map[string]any) (stageexec.ConformResult, error)
	Excerpt(ctx context.Context, descriptorPath string, extras map[string]any) (stageexec.ExcerptResult, error)
}

// runHistory answers whether a source's data changed since its last cache.
type runHistory interface {
	LatestSucceeded(ctx context.Context, source, stage string) (runlog.Run, bool, error)
}

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	var concurrency int
	var skipPreflight bool

	cmd := &cobra.Command{
		Use:   "process <descriptor|dir>...",
		Short: "Cache, conform and excerpt every descriptor",
		Long: "Runs cache, then conform and excerpt against the fresh cache, for each descriptor.\n" +
			"Directories contribute their *.json files. Descriptors run concurrently up to\n" +
			"[batch] concurrency; one process per state directory may run at a time.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.loggerValue()
			if err != nil {
				return err
			}
			paths, err := descriptor.Discover(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return errors.New("no descriptors found")
			}

			lock := flock.New(cfg.LockPath())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("another machine process is running (lock %s)", cfg.LockPath())
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					logger.Warn("failed to release batch lock", logging.Error(err))
				}
			}()

			runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			prepareBatch(runCtx, cfg, logger)

			if !skipPreflight {
				store, err := ctx.storeValue()
				if err != nil {
					return err
				}
				if failed := preflight.Failed(preflight.RunAll(runCtx, cfg, store)); len(failed) > 0 {
					return preflightError(failed)
				}
			}

			runner, err := ctx.executor()
			if err != nil {
				return err
			}
			ledger, err := ctx.ledgerValue()
			if err != nil {
				return err
			}
			if concurrency <= 0 {
				concurrency = cfg.Batch.Concurrency
			}

			reports, err := runBatch(runCtx, runner, ledger, logger, paths, concurrency)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := writeJSON(cmd, reports); err != nil {
					return err
				}
			} else {
				printBatch(cmd.OutOrStdout(), reports, shouldColorize(cmd.OutOrStdout()))
			}
			return batchError(reports)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "Descriptors processed in parallel (default from config)")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Skip directory, disk space and store checks")
	return cmd
}

// prepareBatch prunes leftovers from interrupted runs and expired logs.
func prepareBatch(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	staging.CleanStale(ctx, cfg.Paths.WorkDir, cfg.StaleWorkspaceAge(), logger)
	logging.PruneLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays, time.Now())
}

// runBatch processes paths with at most concurrency chains in flight. Only
// cancellation aborts the batch; per-source failures land in the reports.
func runBatch(ctx context.Context, runner stageRunner, history runHistory, logger *slog.Logger, paths []string, concurrency int) ([]sourceReport, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	reports := make([]sourceReport, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, path := range paths {
		g.Go(func() error {
			report, err := processSource(gctx, runner, history, logger, path)
			reports[i] = report
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	logger.Info("batch completed",
		logging.String(logging.FieldEventType, "batch_complete"),
		logging.Int("sources", len(paths)),
		logging.Int("failed", len(failedReports(reports))),
	)
	return reports, nil
}

func processSource(ctx context.Context, runner stageRunner, history runHistory, logger *slog.Logger, path string) (report sourceReport, err error) {
	start := time.Now()
	source := descriptor.Name(path)
	report = sourceReport{Source: source, Descriptor: path, Status: sourceFailed}
	ctx = services.WithSource(ctx, source)
	logger = logging.WithContext(ctx, logger)
	defer func() { report.Elapsed = time.Since(start) }()

	previous, hadPrevious, err := history.LatestSucceeded(ctx, source, worker.StageCache)
	if err != nil {
		logger.Warn("run history unavailable",
			logging.String(logging.FieldEventType, "ledger_read_failed"),
			logging.Error(err),
		)
	}

	cache, err := runner.Cache(ctx, path, nil)
	if err != nil {
		if ctx.Err() != nil {
			return report, err
		}
		report.Error = err.Error()
		return report, nil
	}
	if cache.URL == "" {
		report.Error = "cache produced no artifact"
		return report, nil
	}
	report.Cache = cache.URL
	report.Fingerprint = cache.Fingerprint
	report.Version = cache.Version
	if hadPrevious {
		changed := previous.Fingerprint != cache.Fingerprint
		report.FingerprintChanged = &changed
		event := "source_unchanged"
		if changed {
			event = "source_changed"
		}
		logger.Info("source data compared with last cache",
			logging.String(logging.FieldEventType, event),
			logging.String("previous_fingerprint", previous.Fingerprint),
			logging.String("fingerprint", cache.Fingerprint),
			logging.String("previous_version", previous.Version),
		)
	}

	extras := map[string]any{descriptor.FieldCache: cache.URL}
	conform, err := runner.Conform(ctx, path, extras)
	if err != nil && ctx.Err() != nil {
		return report, err
	}
	report.Processed = conform.URL

	excerpt, err := runner.Excerpt(ctx, path, extras)
	if err != nil && ctx.Err() != nil {
		return report, err
	}
	report.Sample = excerpt.SampleURL
	report.SampleRows = len(excerpt.Rows)

	switch {
	case report.Processed != "" && report.Sample != "":
		report.Status = sourceSucceeded
	default:
		report.Status = sourcePartial
		var missing []string
		if report.Processed == "" {
			missing = append(missing, worker.StageConform)
		}
		if report.Sample == "" {
			missing = append(missing, worker.StageExcerpt)
		}
		report.Error = strings.Join(missing, " and ") + " produced no artifact"
	}
	return report, nil
}

func failedReports(reports []sourceReport) []sourceReport {
	var failed []sourceReport
	for _, r := range reports {
		if r.Status != sourceSucceeded {
			failed = append(failed, r)
		}
	}
	return failed
}

func batchError(reports []sourceReport) error {
	failed := failedReports(reports)
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d sources did not complete", len(failed), len(reports))
}

func preflightError(failed []preflight.Result) error {
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		parts = append(parts, r.Name+": "+r.Detail)
	}
	return fmt.Errorf("preflight failed (%s); run machine check for details", strings.Join(parts, "; "))
}

func printBatch(out io.Writer, reports []sourceReport, colorize bool) {
	headers := []string{"Source", "Status", "Version", "Changed", "Rows", "Elapsed", "Detail"}
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		changed := "-"
		if r.FingerprintChanged != nil {
			changed = yesNo(*r.FingerprintChanged)
		}
		detail := r.Processed
		if r.Error != "" {
			detail = r.Error
		}
		rows = append(rows, []string{
			r.Source,
			statusCell(r.Status, colorize),
			valueOrDash(r.Version),
			changed,
			strconv.Itoa(r.SampleRows),
			r.Elapsed.Round(time.Second).String(),
			valueOrDash(detail),
		})
	}
	fmt.Fprintln(out, renderTable(headers, rows, []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}))
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
