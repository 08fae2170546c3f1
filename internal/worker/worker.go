package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cbmeeks/machine/internal/artifact"
	"github.com/cbmeeks/machine/internal/descriptor"
	"github.com/cbmeeks/machine/internal/logging"
	"github.com/cbmeeks/machine/internal/services"
	"github.com/cbmeeks/machine/internal/tasks"
)

// Exit codes reported to the executor.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// Main runs a worker from command-line arguments and returns the process exit
// code. Failures are logged to stderr as JSON.
func Main(ctx context.Context, args []string, stderr io.Writer) int {
	req, err := ParseArgs(args)
	logger := logging.NewWorker(stderr, req.LogLevel)
	if err != nil {
		logging.ErrorWithContext(logger, "invalid worker arguments", "worker_failure",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the worker subcommand is internal; run stages through machine cache/conform/excerpt"),
		)
		return ExitFailure
	}

	store, err := artifact.OpenFromEnv()
	if err != nil {
		logging.ErrorWithContext(logger, "open artifact store", "worker_failure",
			logging.Error(err),
			logging.String("failure_kind", services.FailureKind(err)),
		)
		return ExitFailure
	}

	w := New(store, logger)
	if err := w.Run(ctx, req); err != nil {
		return ExitFailure
	}
	return ExitOK
}

// Worker executes stage chains against a side-channel document.
type Worker struct {
	store   artifact.Store
	fetcher *tasks.URLFetcher
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock overrides the clock used to derive artifact versions.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithFetcher overrides the fetcher used for already-published artifacts.
func WithFetcher(fetcher *tasks.URLFetcher) Option {
	return func(w *Worker) {
		if fetcher != nil {
			w.fetcher = fetcher
		}
	}
}

// New returns a Worker publishing through store.
func New(store artifact.Store, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:   store,
		fetcher: tasks.NewURLFetcher(),
		logger:  logging.NewComponentLogger(logger, "worker"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes req.Stage. The document is rewritten only when the whole chain
// succeeds; on error it is left as seeded.
func (w *Worker) Run(ctx context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return services.Wrap(services.ErrConfiguration, req.Stage, "worker", "invalid request", err)
	}
	source := descriptor.Name(req.DocumentPath)
	ctx = services.WithStage(ctx, req.Stage)
	ctx = services.WithSource(ctx, source)
	ctx = services.WithRunID(ctx, req.RunID)
	logger := logging.WithContext(ctx, w.logger)

	start := time.Now()
	err := w.run(ctx, req, source, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "stage worker failed", "worker_failure",
			logging.Error(err),
			logging.String("failure_kind", services.FailureKind(err)),
			logging.Duration("elapsed", time.Since(start)),
		)
		return err
	}
	logger.Info("stage worker finished",
		logging.String(logging.FieldEventType, "worker_complete"),
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (w *Worker) run(ctx context.Context, req Request, source string, logger *slog.Logger) error {
	doc, err := descriptor.Read(req.DocumentPath)
	if err != nil {
		return services.Wrap(services.ErrInvalidDescriptor, req.Stage, "read document", req.DocumentPath, err)
	}
	scratch, err := os.MkdirTemp(req.Workdir, "worker-")
	if err != nil {
		return fmt.Errorf("create worker scratch: %w", err)
	}
	defer os.RemoveAll(scratch)

	job := &job{
		worker:  w,
		req:     req,
		source:  source,
		doc:     doc,
		scratch: scratch,
		version: artifact.Version(w.now()),
		logger:  logger,
	}
	switch req.Stage {
	case StageCache:
		err = job.cache(ctx)
	case StageConform:
		err = job.conform(ctx)
	case StageExcerpt:
		err = job.excerpt(ctx)
	}
	if err != nil {
		return err
	}
	if err := descriptor.Write(req.DocumentPath, doc); err != nil {
		return services.Wrap(services.ErrTransient, req.Stage, "write document", filepath.Base(req.DocumentPath), err)
	}
	return nil
}
