// Package runlog persists one row per stage invocation in SQLite.
//
// The ledger is an operator record, not a coordination channel: stage
// results still flow through the side-channel document. `machine runs` lists
// it, and `machine process` consults LatestSucceeded to report whether a
// source's cached download changed since the last successful run.
//
// Schema changes are new files under migrations/; applied versions are
// tracked in schema_migrations.
package runlog
