package busio

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"gopkg.in/tomb.v2"

	"github.com/sailfishos/statebus/errors"
	"github.com/sailfishos/statebus/eventloop"
)

// BusTransport is the production Transport over a godbus connection.
//
// Inbound method calls arrive on godbus worker goroutines; each one is
// injected into the event loop for routing and the worker then blocks until
// the router responds. That is what lets a privileged call from a
// not-yet-identified peer park inside peer tracking and be answered
// minutes later without holding up the loop.
type BusTransport struct {
	conn   *dbus.Conn
	loop   *eventloop.Loop
	router *Router

	signals chan *dbus.Signal
	t       tomb.Tomb

	machineOnce sync.Once
	machineID   string
}

// ConnectSystemBus opens a system bus connection with the daemon's handler
// stack attached. SetRouter must be called before the first inbound message
// can be routed; until then method calls are answered with a failure.
func ConnectSystemBus(loop *eventloop.Loop) (*BusTransport, error) {
	t := &BusTransport{loop: loop}
	conn, err := dbus.ConnectSystemBus(
		dbus.WithHandler(&callHandler{t: t}),
		dbus.WithSignalHandler(dbus.NewSequentialSignalHandler()),
	)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrBusUnavailable, err),
			"BusTransport", "ConnectSystemBus", "bus connect")
	}
	t.conn = conn

	t.signals = make(chan *dbus.Signal, 64)
	conn.Signal(t.signals)
	t.t.Go(t.pumpSignals)
	return t, nil
}

// SetRouter attaches the router inbound messages are delivered to.
func (t *BusTransport) SetRouter(r *Router) {
	t.router = r
}

// UniqueName returns the connection's unique bus name.
func (t *BusTransport) UniqueName() string {
	return t.conn.Names()[0]
}

// ClaimName acquires a well-known name without queuing. Anything short of
// primary ownership is a fatal startup error.
func (t *BusTransport) ClaimName(name string) error {
	reply, err := t.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return errors.WrapFatal(err, "BusTransport", "ClaimName", "name request")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.WrapFatal(errors.ErrNameClaim, "BusTransport", "ClaimName", "primary ownership")
	}
	return nil
}

// Emit broadcasts a signal.
func (t *BusTransport) Emit(path dbus.ObjectPath, iface, member string, body ...any) error {
	if err := t.conn.Emit(path, iface+"."+member, body...); err != nil {
		return errors.Wrap(err, "BusTransport", "Emit", "signal send")
	}
	return nil
}

// Call starts an asynchronous outbound method call. The done callback runs
// on the event loop unless the call was canceled first.
func (t *BusTransport) Call(dest string, path dbus.ObjectPath, iface, member string, done CallDone, args ...any) (func(), error) {
	obj := t.conn.Object(dest, path)
	ch := make(chan *dbus.Call, 1)
	obj.Go(iface+"."+member, 0, ch, args...)

	var canceled atomic.Bool
	t.t.Go(func() error {
		var call *dbus.Call
		select {
		case call = <-ch:
		case <-t.t.Dying():
			return nil
		}
		if canceled.Load() {
			return nil
		}
		_ = t.loop.Inject(func() {
			if canceled.Load() {
				return
			}
			done(call.Body, call.Err)
		})
		return nil
	})
	return func() { canceled.Store(true) }, nil
}

// AddMatch pushes a signal match rule to the bus daemon. The rule string
// form keeps wildcard fields out of the rule entirely.
func (t *BusTransport) AddMatch(m SignalMatch) error {
	call := t.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule(m))
	if call.Err != nil {
		return errors.Wrap(call.Err, "BusTransport", "AddMatch", "match add")
	}
	return nil
}

// RemoveMatch drops a previously added rule.
func (t *BusTransport) RemoveMatch(m SignalMatch) error {
	call := t.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, matchRule(m))
	if call.Err != nil {
		return errors.Wrap(call.Err, "BusTransport", "RemoveMatch", "match remove")
	}
	return nil
}

// Close tears down the signal pump and the connection.
func (t *BusTransport) Close() error {
	t.t.Kill(nil)
	t.conn.RemoveSignal(t.signals)
	err := t.conn.Close()
	_ = t.t.Wait()
	if err != nil {
		return errors.Wrap(err, "BusTransport", "Close", "connection close")
	}
	return nil
}

// pumpSignals forwards subscribed signals from the godbus delivery channel
// into the event loop.
func (t *BusTransport) pumpSignals() error {
	for {
		select {
		case sig, ok := <-t.signals:
			if !ok {
				return nil
			}
			m := signalMessage(sig)
			_ = t.loop.Inject(func() {
				if t.router != nil {
					t.router.Dispatch(m, OriginLive)
				}
			})
		case <-t.t.Dying():
			return nil
		}
	}
}

func signalMessage(sig *dbus.Signal) *Message {
	iface, member := splitMember(sig.Name)
	return NewSignal(sig.Sender, sig.Path, iface, member, sig.Body...)
}

// splitMember splits "org.freedesktop.DBus.NameOwnerChanged" into interface
// and member at the last dot.
func splitMember(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func matchRule(m SignalMatch) string {
	parts := []string{"type='signal'"}
	if m.Interface != "" {
		parts = append(parts, fmt.Sprintf("interface='%s'", m.Interface))
	}
	if m.Member != "" {
		parts = append(parts, fmt.Sprintf("member='%s'", m.Member))
	}
	if m.Sender != "" {
		parts = append(parts, fmt.Sprintf("sender='%s'", m.Sender))
	}
	if m.Path != "" {
		parts = append(parts, fmt.Sprintf("path='%s'", m.Path))
	}
	return strings.Join(parts, ",")
}

func (t *BusTransport) machineIDValue() string {
	t.machineOnce.Do(func() {
		raw, err := os.ReadFile("/etc/machine-id")
		if err == nil {
			t.machineID = strings.TrimSpace(string(raw))
		}
	})
	return t.machineID
}

// callHandler is the godbus server-side handler chain. Every object path
// and interface resolves, so routing decisions happen in the Router rather
// than in godbus lookup failures.
type callHandler struct {
	t *BusTransport
}

func (h *callHandler) LookupObject(path dbus.ObjectPath) (dbus.ServerObject, bool) {
	return serverObject{t: h.t, path: path}, true
}

type serverObject struct {
	t    *BusTransport
	path dbus.ObjectPath
}

func (o serverObject) LookupInterface(name string) (dbus.Interface, bool) {
	return ifaceObject{t: o.t, path: o.path, name: name}, true
}

type ifaceObject struct {
	t    *BusTransport
	path dbus.ObjectPath
	name string
}

func (i ifaceObject) LookupMethod(name string) (dbus.Method, bool) {
	return &methodCall{t: i.t, path: i.path, iface: i.name, member: name}, true
}

// methodCall is a single inbound method invocation. godbus resolves a fresh
// one per message, so it can hold per-call state captured during argument
// decoding.
type methodCall struct {
	t      *BusTransport
	path   dbus.ObjectPath
	iface  string
	member string

	sender  string
	noReply bool
}

// DecodeArguments captures the sender and reply expectation alongside the
// already-decoded body.
func (m *methodCall) DecodeArguments(conn *dbus.Conn, sender string, msg *dbus.Message, args []interface{}) ([]interface{}, error) {
	m.sender = sender
	if msg != nil {
		m.noReply = msg.Flags&dbus.FlagNoReplyExpected != 0
	}
	return args, nil
}

// Call runs on a godbus worker goroutine. It injects the message into the
// event loop and blocks until the router responds.
func (m *methodCall) Call(args ...interface{}) ([]interface{}, error) {
	// org.freedesktop.DBus.Peer is answered below the router.
	if m.iface == "org.freedesktop.DBus.Peer" {
		switch m.member {
		case "Ping":
			return nil, nil
		case "GetMachineId":
			return []interface{}{m.t.machineIDValue()}, nil
		}
	}

	replyCh := make(chan *Reply, 1)
	msg := NewMethodCall(m.sender, m.path, m.iface, m.member,
		func(r *Reply) { replyCh <- r }, args...)
	msg.NoReply = m.noReply

	err := m.t.loop.Inject(func() {
		if m.t.router == nil {
			msg.Respond(NewError(ErrorNameFailed, "router not attached"))
			return
		}
		m.t.router.Dispatch(msg, OriginLive)
	})
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}

	var r *Reply
	select {
	case r = <-replyCh:
	case <-m.t.t.Dying():
		return nil, dbus.MakeFailedError(errors.ErrLoopStopped)
	}
	if r.Err != nil {
		return nil, dbus.NewError(r.Err.Name, []interface{}{r.Err.Text})
	}
	return r.Body, nil
}

func (m *methodCall) NumArguments() int { return 0 }

func (m *methodCall) NumReturns() int { return 0 }

func (m *methodCall) ArgumentValue(position int) interface{} { return nil }

func (m *methodCall) ReturnValue(position int) interface{} { return nil }
