// Package busiotest provides an in-memory busio.Transport for tests. The
// daemon binary never links it; test fixtures across packages share it to
// drive asynchronous bus flows deterministically.
package busiotest

import (
	"github.com/godbus/dbus/v5"

	"github.com/sailfishos/statebus/busio"
)

// FakeTransport records claims, emitted signals, match rules and outbound
// calls; tests complete calls by hand. Not safe for concurrent use; tests
// drive it from one goroutine or via the loop.
type FakeTransport struct {
	Unique     string
	Claimed    []string
	ClaimErr   error
	Matches    []busio.SignalMatch
	Emitted    []EmittedSignal
	Calls      []*FakeCall
	CallErr    error
	AddMatchFn func(busio.SignalMatch) error
	Closed     bool
}

var _ busio.Transport = (*FakeTransport)(nil)

// EmittedSignal records one Emit invocation.
type EmittedSignal struct {
	Path      dbus.ObjectPath
	Interface string
	Member    string
	Body      []any
}

// FakeCall records one outbound asynchronous call.
type FakeCall struct {
	Dest      string
	Path      dbus.ObjectPath
	Interface string
	Member    string
	Args      []any

	done     busio.CallDone
	Canceled bool
	Done     bool
}

// Complete finishes the call with the given outcome, invoking the done
// callback synchronously unless the call was canceled.
func (c *FakeCall) Complete(body []any, err error) {
	if c.Canceled || c.Done {
		return
	}
	c.Done = true
	c.done(body, err)
}

// NewFakeTransport builds a fake with a plausible unique name.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{Unique: ":1.100"}
}

func (t *FakeTransport) UniqueName() string {
	return t.Unique
}

func (t *FakeTransport) ClaimName(name string) error {
	if t.ClaimErr != nil {
		return t.ClaimErr
	}
	t.Claimed = append(t.Claimed, name)
	return nil
}

func (t *FakeTransport) Emit(path dbus.ObjectPath, iface, member string, body ...any) error {
	t.Emitted = append(t.Emitted, EmittedSignal{Path: path, Interface: iface, Member: member, Body: body})
	return nil
}

func (t *FakeTransport) Call(dest string, path dbus.ObjectPath, iface, member string, done busio.CallDone, args ...any) (func(), error) {
	if t.CallErr != nil {
		return nil, t.CallErr
	}
	c := &FakeCall{Dest: dest, Path: path, Interface: iface, Member: member, Args: args, done: done}
	t.Calls = append(t.Calls, c)
	return func() { c.Canceled = true }, nil
}

func (t *FakeTransport) AddMatch(m busio.SignalMatch) error {
	if t.AddMatchFn != nil {
		if err := t.AddMatchFn(m); err != nil {
			return err
		}
	}
	t.Matches = append(t.Matches, m)
	return nil
}

func (t *FakeTransport) RemoveMatch(m busio.SignalMatch) error {
	for i, got := range t.Matches {
		if got == m {
			t.Matches = append(t.Matches[:i], t.Matches[i+1:]...)
			return nil
		}
	}
	return nil
}

func (t *FakeTransport) Close() error {
	t.Closed = true
	return nil
}

// PendingCall returns the most recent uncompleted call to dest.member, or
// nil.
func (t *FakeTransport) PendingCall(dest, member string) *FakeCall {
	for i := len(t.Calls) - 1; i >= 0; i-- {
		c := t.Calls[i]
		if c.Dest == dest && c.Member == member && !c.Done && !c.Canceled {
			return c
		}
	}
	return nil
}
