package testsupport

import (
	"testing"

	"github.com/cbmeeks/machine/internal/config"
	"github.com/cbmeeks/machine/internal/runlog"
)

// MustOpenLedger opens the run ledger for cfg and registers cleanup.
func MustOpenLedger(t testing.TB, cfg *config.Config) *runlog.Ledger {
	t.Helper()

	ledger, err := runlog.Open(cfg.LedgerPath())
	if err != nil {
		t.Fatalf("runlog.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = ledger.Close()
	})
	return ledger
}
