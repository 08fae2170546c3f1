// Package stageexec runs pipeline stages in isolated worker processes.
//
// An Executor validates the descriptor, seeds a side-channel document in a
// fresh scratch workspace, launches a worker, and supervises it against the
// stage's wall-clock budget. After the worker exits, or is killed, the
// executor harvests the document, promotes the staged artifact to its final
// key (or discards the run's staging prefix), records the run in the ledger,
// and removes the workspace.
//
// Only pre-launch problems surface as errors from Run: an unreadable
// descriptor, missing extras, an unknown stage, or a worker that could not be
// started. Everything that goes wrong inside the worker degrades to an Outcome
// with empty result fields and a failed or timed_out Status.
package stageexec
