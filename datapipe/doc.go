// Package datapipe implements the daemon's reactive value-propagation
// primitive: a named, typed, observable value slot with input filtering,
// change notification, caching policy and re-entrancy protection.
//
// Every piece of device state the daemon arbitrates (display mode, call
// state, charger state, ...) is exposed as a pipe, and every other subsystem
// only ever talks to the daemon through a pipe or through the bus router.
//
// A write flows through the pipe in a fixed order: input triggers see the raw
// value, filters fold it into the output value, output triggers see the
// result. Each pipe carries a generation token bumped at the start of every
// write; a nested write to the same pipe from inside a callback invalidates
// the token and aborts the remainder of the outer write with a logged
// warning instead of corrupting the iteration.
//
// Trigger and filter removal never splices a list that may be under
// iteration: the slot is marked inert and a deferred compaction task on the
// event loop sweeps the dead slots later.
//
// All pipes live in a Catalog constructed once at process start; pipes are
// never created or destroyed while the daemon runs.
package datapipe
