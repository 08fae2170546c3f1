// Package tasks holds the closed set of stage task variants the worker chains
// together: Download, Decompress, Convert and Sample.
//
// Each variant is selected by an explicit lookup from the string tag carried in
// the side-channel document (the descriptor's "type" and "compression"
// fields). Unknown tags fail with services.ErrUnsupportedKind instead of
// silently doing nothing. Every task writes its outputs under the workdir it is
// given and returns them in order; callers decide how many to consume.
package tasks
