// Package peertrack resolves the identity of bus peers and answers the
// router's privilege questions.
//
// Each tracked name walks a small state machine: query the owning unique
// name, query the owner's process id, identify the process through procfs
// (detouring through the sandboxing helper when the peer turns out to be a
// bus proxy), then settle in Running until the name is lost. Method calls
// that arrive before identification finishes are parked on the peer and
// replayed, in order, once the verdict is known.
//
// Privilege is never trusted from cache: every verdict for a running peer
// re-reads the process credentials, so a recycled pid cannot inherit a
// stale answer.
package peertrack
