// Package logging assembles structured slog loggers and formatting helpers used
// across machine.
//
// The CLI logs to stderr and to machine.log in the log directory, which is
// rotated daily and pruned after the configured retention. Worker processes
// log JSON to stderr through NewWorker so the orchestrator can recover
// failure causes.
package logging
