// Package services defines shared utilities consumed by the stage executor,
// the worker process, and the task implementations.
//
// Key responsibilities:
//   - Context helpers that stamp stage names, source names, and run
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified (pre-launch configuration errors vs. worker-side failures)
//     without string matching.
//
// Use these helpers when wiring new stage logic so operational behaviour stays
// uniform across the pipeline.
package services
