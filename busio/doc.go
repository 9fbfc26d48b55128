// Package busio routes inbound bus messages to registered handlers and
// carries the daemon's outbound bus traffic.
//
// The bus transport library itself is an external collaborator consumed
// through the Transport interface; the real binding wraps a godbus
// connection, tests use busiotest.FakeTransport. Everything above that
// boundary is this package: the handler registry, the match-rule language,
// dispatch for method calls, signals and error replies, and the privilege
// gate.
//
// Method calls are first-match: a method name is handled by exactly one
// registered handler, and a duplicate registration for the same
// interface+member is rejected. Signals fan out to every matching
// subscription. Every dispatch runs under a scoped suspend blocker
// released on all exit paths.
package busio
