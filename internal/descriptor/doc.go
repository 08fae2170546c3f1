// Package descriptor loads Source Descriptors and reads and writes the
// side-channel document that carries stage state across the worker process
// boundary.
//
// A Source is the immutable JSON object describing one dataset. A Document is
// the per-invocation copy of it merged with stage extras, seeded by the
// executor and rewritten exactly once by the worker. Every write goes through
// a temp file and rename, so the executor observes either the seeded document
// or the complete mutated one.
package descriptor
