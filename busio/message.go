package busio

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Kind classifies an inbound bus message.
type Kind int

const (
	// KindMethodCall is a request directed at the daemon
	KindMethodCall Kind = iota
	// KindSignal is a broadcast the daemon subscribed to
	KindSignal
	// KindError is an error reply matched against error watchers
	KindError
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindMethodCall:
		return "method_call"
	case KindSignal:
		return "signal"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Origin tags a dispatch as either fresh from the wire or replayed from a
// peer's pending-request queue after its identity resolved.
type Origin int

const (
	// OriginLive marks a message dispatched as it arrived
	OriginLive Origin = iota
	// OriginReplayed marks a queued message re-dispatched after peer
	// identification; an Unknown privilege verdict on replay is a denial,
	// never a second queuing
	OriginReplayed
)

// String returns the string representation of Origin
func (o Origin) String() string {
	if o == OriginReplayed {
		return "replayed"
	}
	return "live"
}

// Well-known bus error names used in replies.
const (
	ErrorNameFailed        = "org.freedesktop.DBus.Error.Failed"
	ErrorNameAccessDenied  = "org.freedesktop.DBus.Error.AccessDenied"
	ErrorNameInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorNameUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorNameNoReply       = "org.freedesktop.DBus.Error.NoReply"
)

// Error is a bus-level error reply.
type Error struct {
	Name string
	Text string
}

// Reply is what a method handler returns: either a body or an error, never
// both.
type Reply struct {
	Body []any
	Err  *Error
}

// NewReply builds a success reply carrying the given body values.
func NewReply(body ...any) *Reply {
	return &Reply{Body: body}
}

// NewError builds an error reply.
func NewError(name, format string, args ...any) *Reply {
	return &Reply{Err: &Error{Name: name, Text: fmt.Sprintf(format, args...)}}
}

// AccessDenied is the canonical reply for a privileged method invoked by an
// unprivileged or unidentifiable peer.
func AccessDenied(member string) *Reply {
	return NewError(ErrorNameAccessDenied, "method %s is reserved for privileged users", member)
}

// InvalidArgs is the canonical reply for a method call whose body does not
// match the expected argument types.
func InvalidArgs(member string) *Reply {
	return NewError(ErrorNameInvalidArgs, "invalid arguments to method %s", member)
}

// Message is one inbound bus message in transport-independent form.
type Message struct {
	Kind      Kind
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Member    string
	ErrorName string // set for KindError
	Body      []any
	Serial    uint32
	NoReply   bool

	respond   func(*Reply)
	responded bool
}

// NewMethodCall builds a method-call message with a reply sink. Used by
// transports and by tests driving the router directly.
func NewMethodCall(sender string, path dbus.ObjectPath, iface, member string, respond func(*Reply), body ...any) *Message {
	return &Message{
		Kind:      KindMethodCall,
		Sender:    sender,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      body,
		respond:   respond,
	}
}

// NewSignal builds a signal message.
func NewSignal(sender string, path dbus.ObjectPath, iface, member string, body ...any) *Message {
	return &Message{
		Kind:      KindSignal,
		Sender:    sender,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      body,
	}
}

// Respond delivers the reply for a method call. Exactly one response is
// forwarded per message; later calls are ignored, so every exit path of the
// router may respond without coordinating with the others.
func (m *Message) Respond(r *Reply) {
	if m == nil || m.responded {
		return
	}
	m.responded = true
	if m.respond == nil {
		return
	}
	if r == nil {
		r = &Reply{}
	}
	m.respond(r)
}

// Responded reports whether a reply has already been forwarded.
func (m *Message) Responded() bool {
	return m != nil && m.responded
}

// StringArg returns body argument i as a string.
func (m *Message) StringArg(i int) (string, bool) {
	if i < 0 || i >= len(m.Body) {
		return "", false
	}
	s, ok := m.Body[i].(string)
	return s, ok
}

// Int32Arg returns body argument i as an int32.
func (m *Message) Int32Arg(i int) (int32, bool) {
	if i < 0 || i >= len(m.Body) {
		return 0, false
	}
	v, ok := m.Body[i].(int32)
	return v, ok
}

// BoolArg returns body argument i as a bool.
func (m *Message) BoolArg(i int) (bool, bool) {
	if i < 0 || i >= len(m.Body) {
		return false, false
	}
	v, ok := m.Body[i].(bool)
	return v, ok
}

// String formats the message for diagnostics.
func (m *Message) String() string {
	if m == nil {
		return "<nil message>"
	}
	if m.Kind == KindError {
		return fmt.Sprintf("%s %s from %s", m.Kind, m.ErrorName, m.Sender)
	}
	return fmt.Sprintf("%s %s.%s from %s", m.Kind, m.Interface, m.Member, m.Sender)
}
