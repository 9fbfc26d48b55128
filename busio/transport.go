package busio

import "github.com/godbus/dbus/v5"

// SignalMatch describes a signal subscription pushed down to the bus daemon.
// Empty fields are wildcards.
type SignalMatch struct {
	Interface string
	Member    string
	Sender    string
	Path      dbus.ObjectPath
}

// CallDone receives the outcome of an asynchronous outbound method call. It
// is always invoked on the event loop.
type CallDone func(body []any, err error)

// Transport is the seam between the router stack and the concrete bus
// binding. The production implementation is BusTransport over a godbus
// connection; tests use busiotest.FakeTransport.
type Transport interface {
	// UniqueName returns the connection's unique bus name (":1.42").
	UniqueName() string

	// ClaimName acquires a well-known service name. Failure to become
	// primary owner is fatal to the daemon.
	ClaimName(name string) error

	// Emit broadcasts a signal from the given object path.
	Emit(path dbus.ObjectPath, iface, member string, body ...any) error

	// Call starts an asynchronous method call and returns a cancel
	// function. Cancel guarantees done will not run afterwards; it does
	// not abort the call on the wire.
	Call(dest string, path dbus.ObjectPath, iface, member string, done CallDone, args ...any) (cancel func(), err error)

	// AddMatch subscribes to signals described by the match.
	AddMatch(m SignalMatch) error

	// RemoveMatch drops a previously added subscription.
	RemoveMatch(m SignalMatch) error

	// Close tears the connection down.
	Close() error
}
