package stageexec

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cbmeeks/machine/internal/artifact"
	"github.com/cbmeeks/machine/internal/config"
	"github.com/cbmeeks/machine/internal/descriptor"
	"github.com/cbmeeks/machine/internal/logging"
	"github.com/cbmeeks/machine/internal/runlog"
	"github.com/cbmeeks/machine/internal/services"
	"github.com/cbmeeks/machine/internal/worker"
)

// Recorder persists finished runs.
type Recorder interface {
	Record(ctx context.Context, run runlog.Run) error
}

// Executor runs stages for one artifact store. It is safe for concurrent use;
// every invocation owns its workspace and staging prefix.
type Executor struct {
	store        artifact.Store
	logger       *slog.Logger
	workDir      string
	sampleRows   int
	logLevel     string
	timeouts     map[string]time.Duration
	pollInterval time.Duration
	launcher     Launcher
	ledger       Recorder
}

// Option customizes an Executor.
type Option func(*Executor)

// WithLauncher replaces the default re-exec launcher.
func WithLauncher(l Launcher) Option {
	return func(e *Executor) {
		if l != nil {
			e.launcher = l
		}
	}
}

// WithLedger records every finished invocation.
func WithLedger(r Recorder) Option {
	return func(e *Executor) {
		e.ledger = r
	}
}

// WithTimeout overrides the wall-clock budget of stage. Zero disables it.
func WithTimeout(stage string, d time.Duration) Option {
	return func(e *Executor) {
		e.timeouts[strings.ToLower(stage)] = d
	}
}

// WithPollInterval overrides the supervisor poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// New builds an executor from configuration.
func New(cfg *config.Config, store artifact.Store, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:        store,
		logger:       logging.NewComponentLogger(logger, "stageexec"),
		workDir:      cfg.Paths.WorkDir,
		sampleRows:   cfg.Stages.SampleRows,
		logLevel:     cfg.Logging.Level,
		pollInterval: cfg.PollInterval(),
		timeouts: map[string]time.Duration{
			worker.StageCache:   cfg.StageTimeout(worker.StageCache),
			worker.StageConform: cfg.StageTimeout(worker.StageConform),
			worker.StageExcerpt: cfg.StageTimeout(worker.StageExcerpt),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cache downloads the descriptor's data and publishes the first file.
func (e *Executor) Cache(ctx context.Context, descriptorPath string, extras map[string]any) (CacheResult, error) {
	outcome, err := e.Run(ctx, worker.StageCache, descriptorPath, extras)
	return outcome.CacheResult(), err
}

// Conform converts the cached download to CSV. extras must carry "cache".
func (e *Executor) Conform(ctx context.Context, descriptorPath string, extras map[string]any) (ConformResult, error) {
	outcome, err := e.Run(ctx, worker.StageConform, descriptorPath, extras)
	return outcome.ConformResult(), err
}

// Excerpt samples the cached download. extras must carry "cache".
func (e *Executor) Excerpt(ctx context.Context, descriptorPath string, extras map[string]any) (ExcerptResult, error) {
	outcome, err := e.Run(ctx, worker.StageExcerpt, descriptorPath, extras)
	return outcome.ExcerptResult(), err
}

// Run executes stage for the descriptor at descriptorPath.
func (e *Executor) Run(ctx context.Context, stage, descriptorPath string, extras map[string]any) (Outcome, error) {
	start := time.Now()
	stage = strings.ToLower(strings.TrimSpace(stage))
	src, err := e.validate(stage, descriptorPath, extras)
	if err != nil {
		return Outcome{Stage: stage, Elapsed: time.Since(start)}, err
	}

	runID := uuid.NewString()
	source := descriptor.Name(descriptorPath)
	ctx = services.WithStage(ctx, stage)
	ctx = services.WithSource(ctx, source)
	ctx = services.WithRunID(ctx, runID)
	logger := logging.WithContext(ctx, e.logger)
	label := StageLabel(stage)

	outcome := Outcome{RunID: runID, Stage: stage, Source: source, Status: StatusFailed}

	workspace := filepath.Join(e.workDir, stage+"-"+runID)
	docPath := descriptor.Path(workspace, descriptorPath)
	if err := os.MkdirAll(filepath.Dir(docPath), 0o755); err != nil {
		return outcome, services.Wrap(services.ErrConfiguration, stage, "create workspace", workspace, err)
	}
	defer e.removeWorkspace(workspace, logger)

	seeded := descriptor.Seed(src, extras)
	if err := descriptor.Write(docPath, seeded); err != nil {
		return outcome, services.Wrap(services.ErrConfiguration, stage, "seed document", docPath, err)
	}
	outcome.Document = seeded

	launcher, err := e.resolveLauncher()
	if err != nil {
		return outcome, err
	}
	timeout := e.timeouts[stage]
	logger.Info(label+" stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("descriptor", descriptorPath),
		logging.Duration("timeout", timeout),
	)

	proc, err := launcher.Launch(ctx, LaunchSpec{
		Request: worker.Request{
			Stage:        stage,
			DocumentPath: docPath,
			Workdir:      workspace,
			RunID:        runID,
			SampleRows:   e.sampleRows,
			LogLevel:     e.logLevel,
		},
		Env: e.store.Env(),
	})
	if err != nil {
		outcome.Elapsed = time.Since(start)
		outcome.Err = services.Wrap(services.ErrExternalTool, stage, "launch worker", "", err)
		e.finish(ctx, logger, descriptorPath, start, &outcome)
		return outcome, outcome.Err
	}

	supervised := Supervise(ctx, proc, timeout, e.pollInterval)
	outcome.Stderr = proc.Stderr()
	e.harvest(ctx, docPath, supervised, &outcome)
	e.discardStaging(ctx, runID, logger)
	outcome.Elapsed = time.Since(start)
	e.finish(ctx, logger, descriptorPath, start, &outcome)

	if supervised.Cancelled {
		return outcome, ctx.Err()
	}
	return outcome, nil
}

func (e *Executor) validate(stage, descriptorPath string, extras map[string]any) (descriptor.Source, error) {
	switch stage {
	case worker.StageCache, worker.StageConform, worker.StageExcerpt:
	default:
		return nil, services.Wrap(services.ErrConfiguration, stage, "validate", fmt.Sprintf("unknown stage %q", stage), nil)
	}
	src, err := descriptor.Load(descriptorPath)
	if err != nil {
		return nil, err
	}
	if stage != worker.StageCache {
		urls, err := descriptor.URLs(extras[descriptor.FieldCache])
		if err != nil || len(urls) == 0 {
			return nil, services.Wrap(services.ErrConfiguration, stage, "validate", "a cache URL is required", err)
		}
	}
	return src, nil
}

func (e *Executor) resolveLauncher() (Launcher, error) {
	if e.launcher != nil {
		return e.launcher, nil
	}
	l, err := NewExecLauncher()
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "", "launch worker", "", err)
	}
	return l, nil
}

// harvest reads what the worker left behind and promotes the staged artifact.
// Timed-out, cancelled and failed workers yield the seeded document.
func (e *Executor) harvest(ctx context.Context, docPath string, supervised SuperviseResult, outcome *Outcome) {
	switch {
	case supervised.TimedOut:
		outcome.Status = StatusTimedOut
		outcome.Err = services.Wrap(services.ErrTimeout, outcome.Stage, "supervise", fmt.Sprintf("worker exceeded %s", supervised.Elapsed.Round(time.Millisecond)), nil)
		return
	case supervised.Cancelled:
		outcome.Err = services.Wrap(services.ErrTransient, outcome.Stage, "supervise", "cancelled", ctx.Err())
		return
	case supervised.ExitErr != nil:
		outcome.Err = services.Wrap(services.ErrExternalTool, outcome.Stage, "worker", workerMessage(outcome.Stderr), supervised.ExitErr)
		return
	}

	doc, err := descriptor.Read(docPath)
	if err != nil {
		outcome.Err = services.Wrap(services.ErrExternalTool, outcome.Stage, "harvest", "read document", err)
		return
	}
	staged, ok := doc.Staged()
	if !ok {
		outcome.Err = services.Wrap(services.ErrExternalTool, outcome.Stage, "harvest", "worker exited without staging an artifact", nil)
		return
	}
	promoted, err := e.store.Promote(ctx, staged.StagingKey, staged.Key)
	if err != nil {
		outcome.Err = services.Wrap(services.ErrUpload, outcome.Stage, "promote", staged.Key, err)
		return
	}

	result := maps.Clone(doc)
	delete(result, descriptor.FieldStaged)
	switch outcome.Stage {
	case worker.StageCache:
		result[descriptor.FieldCache] = promoted.URL
		result[descriptor.FieldFingerprint] = promoted.Fingerprint
	case worker.StageConform:
		result[descriptor.FieldProcessed] = promoted.URL
	case worker.StageExcerpt:
		result[descriptor.FieldSample] = promoted.URL
	}
	outcome.Document = result
	outcome.Artifact = promoted
	outcome.Status = StatusSucceeded
}

// discardStaging removes whatever is left under the run's staging prefix. A
// worker killed mid-upload can only have written there.
func (e *Executor) discardStaging(ctx context.Context, runID string, logger *slog.Logger) {
	if err := e.store.RemovePrefix(context.WithoutCancel(ctx), artifact.StagingPrefix(runID)); err != nil {
		logging.WarnWithContext(logger, "failed to remove staged objects", "staging_cleanup_failed",
			logging.String("prefix", artifact.StagingPrefix(runID)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the prefix from the store manually"),
			logging.String(logging.FieldImpact, "orphaned objects remain under the staging prefix"),
		)
	}
}

func (e *Executor) removeWorkspace(workspace string, logger *slog.Logger) {
	if err := os.RemoveAll(workspace); err != nil {
		logging.WarnWithContext(logger, "failed to remove stage workspace", "workspace_cleanup_failed",
			logging.String("path", workspace),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check work_dir permissions"),
			logging.String(logging.FieldImpact, "disk space not reclaimed until stale cleanup"),
		)
	}
}

// finish logs the terminal event and records the run.
func (e *Executor) finish(ctx context.Context, logger *slog.Logger, descriptorPath string, start time.Time, outcome *Outcome) {
	label := StageLabel(outcome.Stage)
	switch outcome.Status {
	case StatusSucceeded:
		logger.Info(label+" stage completed",
			logging.String(logging.FieldEventType, "stage_complete"),
			logging.String("url", outcome.Artifact.URL),
			logging.String("fingerprint", outcome.Artifact.Fingerprint),
			logging.Duration("elapsed", outcome.Elapsed),
		)
	case StatusTimedOut:
		logging.WarnWithContext(logger, label+" stage timed out", "stage_timeout",
			logging.Duration("elapsed", outcome.Elapsed),
			logging.String(logging.FieldErrorHint, "raise [stages] "+outcome.Stage+"_timeout or check the upstream host"),
			logging.String(logging.FieldImpact, "stage produced no artifact"),
		)
	default:
		logging.ErrorWithContext(logger, label+" stage failed", "stage_failure",
			logging.Error(outcome.Err),
			logging.String("failure_kind", services.FailureKind(outcome.Err)),
			logging.String("worker_stderr", lastLine(outcome.Stderr)),
			logging.Duration("elapsed", outcome.Elapsed),
		)
	}

	if e.ledger == nil {
		return
	}
	run := runlog.Run{
		ID:             outcome.RunID,
		Stage:          outcome.Stage,
		Source:         outcome.Source,
		DescriptorPath: descriptorPath,
		Status:         string(outcome.Status),
		URL:            outcome.Artifact.URL,
		Fingerprint:    outcome.Artifact.Fingerprint,
		Version:        outcome.Document.String(descriptor.FieldVersion),
		StartedAt:      start,
		FinishedAt:     start.Add(outcome.Elapsed),
		Elapsed:        outcome.Elapsed,
	}
	if outcome.Status != StatusSucceeded {
		run.Version = ""
	}
	if outcome.Err != nil {
		run.ErrorMessage = outcome.Err.Error()
		run.FailureKind = services.FailureKind(outcome.Err)
	}
	if err := e.ledger.Record(context.WithoutCancel(ctx), run); err != nil {
		logging.WarnWithContext(logger, "failed to record run", "ledger_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state_dir permissions"),
			logging.String(logging.FieldImpact, "run missing from machine runs"),
		)
	}
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		return text[idx+1:]
	}
	return text
}
