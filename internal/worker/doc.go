// Package worker is the isolated-process side of a stage invocation.
//
// The executor re-executes the machine binary with the hidden worker
// subcommand; Main parses the arguments Request.Args produced, reopens the
// artifact store from the environment, and runs one stage chain against the
// seeded side-channel document. Artifacts are uploaded under the invocation's
// staging prefix and the document is rewritten exactly once, atomically, after
// every upload has succeeded. The executor promotes or discards what the
// worker staged; a worker never writes a final key.
package worker
