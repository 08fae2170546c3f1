// Package preflight provides readiness checks for the filesystem paths and
// artifact store machine depends on.
//
// These checks run in two contexts:
//   - `machine check` prints every result and exits non-zero on a failure.
//   - `machine process` runs RunAll before a batch so a misconfigured store
//     or unwritable work directory fails fast instead of once per descriptor.
package preflight
