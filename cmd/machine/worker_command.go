package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cbmeeks/machine/internal/worker"
)

// newWorkerCommand is the entrypoint the stage executor re-executes. The store
// arrives through the environment, so no configuration file is read.
func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:                "worker",
		Short:              "Run one stage against a side-channel document (internal)",
		Hidden:             true,
		DisableFlagParsing: true,
		Annotations:        map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(worker.Main(cmd.Context(), args, os.Stderr))
			return nil
		},
	}
}
