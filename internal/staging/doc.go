// Package staging prunes scratch workspaces left behind in the work
// directory.
//
// The executor removes its workspace when a stage returns, so leftovers only
// appear when the orchestrating process itself died mid-stage. Only entries
// named like executor workspaces (<stage>-<uuid>) are ever touched.
package staging
