// Package main hosts the machine CLI entrypoint and command graph.
//
// The Cobra command tree runs single stages (cache, conform, excerpt) or the
// whole chain over a batch of source descriptors, lists the run ledger, runs
// preflight checks, and scaffolds configuration. The hidden worker command is
// the isolated-process side of every stage: the executor re-executes this
// binary with it and harvests the side-channel document afterwards.
//
// Keep this package lean: behaviour lives in the internal packages and is only
// surfaced here through commands and flags.
package main
