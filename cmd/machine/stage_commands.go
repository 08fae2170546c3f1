package main

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cbmeeks/machine/internal/descriptor"
	"github.com/cbmeeks/machine/internal/stageexec"
	"github.com/cbmeeks/machine/internal/worker"
)

// stageOutput is the machine-readable report of one stage command.
type stageOutput struct {
	RunID   string                   `json:"run_id"`
	Stage   string                   `json:"stage"`
	Source  string                   `json:"source"`
	Status  stageexec.Status         `json:"status"`
	Error   string                   `json:"error,omitempty"`
	Elapsed string                   `json:"elapsed"`
	Cache   *stageexec.CacheResult   `json:"cache_result,omitempty"`
	Conform *stageexec.ConformResult `json:"conform_result,omitempty"`
	Excerpt *stageexec.ExcerptResult `json:"excerpt_result,omitempty"`
}

func newStageCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newStageCommand(ctx, worker.StageCache,
			"Download a source's data and publish the first file",
			false),
		newStageCommand(ctx, worker.StageConform,
			"Convert a cached download to CSV and publish it",
			true),
		newStageCommand(ctx, worker.StageExcerpt,
			"Publish a small sample of a cached download",
			true),
	}
}

func newStageCommand(ctx *commandContext, stage, short string, needsCache bool) *cobra.Command {
	var jsonOutput bool
	var cacheURL string

	cmd := &cobra.Command{
		Use:   stage + " <descriptor>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := ctx.executor()
			if err != nil {
				return err
			}
			var extras map[string]any
			if needsCache {
				if strings.TrimSpace(cacheURL) == "" {
					return fmt.Errorf("%s requires --cache (the URL published by machine cache)", stage)
				}
				extras = map[string]any{descriptor.FieldCache: strings.TrimSpace(cacheURL)}
			}

			runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			outcome, err := runner.Run(runCtx, stage, args[0], extras)
			if err != nil && outcome.RunID == "" {
				return err
			}
			report := newStageOutput(outcome)
			if jsonOutput {
				if werr := writeJSON(cmd, report); werr != nil {
					return werr
				}
			} else {
				printStageOutput(cmd.OutOrStdout(), report)
			}
			if err != nil {
				return err
			}
			if !outcome.Succeeded() {
				return fmt.Errorf("%s stage %s", stage, outcome.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if needsCache {
		cmd.Flags().StringVar(&cacheURL, "cache", "", "URL of the cached download")
	}
	return cmd
}

func newStageOutput(outcome stageexec.Outcome) stageOutput {
	report := stageOutput{
		RunID:   outcome.RunID,
		Stage:   outcome.Stage,
		Source:  outcome.Source,
		Status:  outcome.Status,
		Elapsed: outcome.Elapsed.Round(time.Millisecond).String(),
	}
	if outcome.Err != nil {
		report.Error = outcome.Err.Error()
	}
	switch outcome.Stage {
	case worker.StageCache:
		r := outcome.CacheResult()
		report.Cache = &r
	case worker.StageConform:
		r := outcome.ConformResult()
		report.Conform = &r
	case worker.StageExcerpt:
		r := outcome.ExcerptResult()
		report.Excerpt = &r
	}
	return report
}

func printStageOutput(out io.Writer, report stageOutput) {
	fmt.Fprintf(out, "%s %s: %s (%s)\n", stageexec.StageLabel(report.Stage), report.Source, report.Status, report.Elapsed)
	switch {
	case report.Cache != nil:
		fmt.Fprintf(out, "  cache:       %s\n", valueOrDash(report.Cache.URL))
		fmt.Fprintf(out, "  fingerprint: %s\n", valueOrDash(report.Cache.Fingerprint))
		fmt.Fprintf(out, "  version:     %s\n", valueOrDash(report.Cache.Version))
	case report.Conform != nil:
		fmt.Fprintf(out, "  processed:   %s\n", valueOrDash(report.Conform.URL))
	case report.Excerpt != nil:
		fmt.Fprintf(out, "  sample:      %s\n", valueOrDash(report.Excerpt.SampleURL))
		fmt.Fprintf(out, "  rows:        %d\n", len(report.Excerpt.Rows))
	}
	if report.Error != "" {
		fmt.Fprintf(out, "  error:       %s\n", report.Error)
	}
}
