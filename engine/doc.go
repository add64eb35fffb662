// Package engine wires all pipewright subsystems together and hosts the
// workflow engine itself: the event bus, store, checkpoint manager,
// middleware chain, retry executor, and stage registry are assembled
// here, and one Run per project drives the pipeline through them.
//
// This package exists to break the import cycle: the root pipewright
// package defines Config and the sentinel errors (imported by state,
// stage, executor, and the rest) and so cannot import those packages
// back. The engine package sits above all subsystem packages and below
// the application layer.
package engine
