package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cbmeeks/machine/internal/preflight"
	"github.com/cbmeeks/machine/internal/staging"
)

type checkReport struct {
	ConfigPath string             `json:"config_path"`
	Checks     []preflight.Result `json:"checks"`
	Workspaces []staging.DirInfo  `json:"workspaces"`
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify directories, disk space and store access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			report := checkReport{ConfigPath: ctx.configPath}

			store, storeErr := ctx.storeValue()
			report.Checks = preflight.RunAll(cmd.Context(), cfg, store)
			if storeErr != nil {
				report.Checks = append(report.Checks, preflight.Result{Name: "Artifact store", Detail: storeErr.Error()})
			}

			workspaces, err := staging.ListDirectories(cfg.Paths.WorkDir)
			if err != nil {
				return err
			}
			report.Workspaces = workspaces

			if jsonOutput {
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			} else {
				printCheck(cmd.OutOrStdout(), report, shouldColorize(cmd.OutOrStdout()))
			}
			if len(preflight.Failed(report.Checks)) > 0 {
				return errors.New("one or more checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func printCheck(out io.Writer, report checkReport, colorize bool) {
	if report.ConfigPath != "" {
		fmt.Fprintf(out, "Config: %s\n", report.ConfigPath)
	}
	rows := make([][]string, 0, len(report.Checks))
	for _, r := range report.Checks {
		status := "fail"
		if r.Passed {
			status = "pass"
		}
		rows = append(rows, []string{r.Name, statusCell(status, colorize), r.Detail})
	}
	fmt.Fprintln(out, renderTable([]string{"Check", "Status", "Detail"}, rows, nil))

	if len(report.Workspaces) == 0 {
		fmt.Fprintln(out, "No leftover workspaces")
		return
	}
	wsRows := make([][]string, 0, len(report.Workspaces))
	for _, ws := range report.Workspaces {
		wsRows = append(wsRows, []string{ws.Name, humanize.IBytes(uint64(ws.Size)), humanize.Time(ws.ModTime)})
	}
	fmt.Fprintln(out, "Leftover workspaces (pruned by machine process once stale):")
	fmt.Fprintln(out, renderTable([]string{"Workspace", "Size", "Modified"}, wsRows, []columnAlignment{alignLeft, alignRight, alignLeft}))
}
