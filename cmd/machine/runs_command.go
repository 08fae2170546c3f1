package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cbmeeks/machine/internal/runlog"
	"github.com/cbmeeks/machine/internal/stageexec"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent stage runs from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := ctx.ledgerValue()
			if err != nil {
				return err
			}
			runs, err := ledger.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				if runs == nil {
					runs = []runlog.Run{}
				}
				return writeJSON(cmd, runs)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			printRuns(out, runs, shouldColorize(out), time.Now())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func printRuns(out io.Writer, runs []runlog.Run, colorize bool, now time.Time) {
	headers := []string{"Finished", "Stage", "Source", "Status", "Elapsed", "Result"}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		result := run.URL
		if run.Status != string(stageexec.StatusSucceeded) {
			result = run.ErrorMessage
			if run.FailureKind != "" {
				result = "[" + run.FailureKind + "] " + result
			}
		}
		rows = append(rows, []string{
			humanize.RelTime(run.FinishedAt, now, "ago", "from now"),
			stageexec.StageLabel(run.Stage),
			run.Source,
			statusCell(run.Status, colorize),
			run.Elapsed.Round(time.Millisecond).String(),
			valueOrDash(truncate(result, 72)),
		})
	}
	fmt.Fprintln(out, renderTable(headers, rows, []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft}))
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
