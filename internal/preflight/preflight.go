package preflight

import (
	"context"

	"github.com/cbmeeks/machine/internal/artifact"
	"github.com/cbmeeks/machine/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// MinFreeWorkBytes is the free space below which the work directory check fails.
const MinFreeWorkBytes = 1 << 30

// RunAll executes every preflight check for cfg and store.
func RunAll(ctx context.Context, cfg *config.Config, store artifact.Store) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir),
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckFreeSpace("Work directory space", cfg.Paths.WorkDir, MinFreeWorkBytes),
	}
	if store != nil {
		results = append(results, CheckStore(ctx, cfg.Store.Kind, store))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
