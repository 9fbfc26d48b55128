package busio

import (
	"log/slog"

	"github.com/sailfishos/statebus/errors"
)

// HandlerFunc handles one dispatched message. For method calls the returned
// reply is forwarded to the caller; a nil return produces an empty success
// reply. For signals and errors the return value is ignored.
type HandlerFunc func(*Message) *Reply

// Entry declares one handler registration.
type Entry struct {
	Kind      Kind
	Interface string // required for methods and signals
	Member    string // required for methods and errors; empty matches any signal member
	Sender    string // optional exact sender constraint, signals only
	Rule      Rule   // optional extra constraints
	// Privileged methods pass through the arbiter before the callback runs.
	Privileged bool
	Callback   HandlerFunc
}

// Handle identifies a registration for later removal.
type Handle uint64

type regSlot struct {
	id    Handle
	entry Entry
	inert bool
}

// Registry is the table of handler registrations the router scans. It is
// loop-confined like the rest of the dispatch path. Unregistered slots are
// marked inert and physically removed by a sweep the router runs between
// dispatches, so unregistering from inside a handler is safe while a scan
// is in flight. An inert handler stops firing immediately.
type Registry struct {
	slots  []regSlot
	nextID Handle
	inert  int

	tr  Transport
	log *slog.Logger
}

// NewRegistry builds a registry. The transport, when non-nil, receives a
// signal-match subscription for every signal entry registered.
func NewRegistry(tr Transport, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{tr: tr, log: log.With("component", "busio")}
}

// Register adds a handler entry. Method entries duplicating a live
// interface+member registration are rejected: dispatch is first-match and a
// duplicate could never run.
func (r *Registry) Register(e Entry) (Handle, error) {
	if e.Callback == nil {
		return 0, errors.WrapRegistry(errors.ErrNotRegistered, "Registry", "Register", "callback check")
	}
	switch e.Kind {
	case KindMethodCall:
		if e.Interface == "" || e.Member == "" {
			return 0, errors.WrapRegistry(errors.ErrInvalidMessage, "Registry", "Register", "method entry check")
		}
		if r.findMethod(e.Interface, e.Member) != nil {
			r.log.Error("duplicate method registration rejected",
				"interface", e.Interface, "member", e.Member)
			return 0, errors.WrapRegistry(errors.ErrDuplicateHandler, "Registry", "Register", "duplicate check")
		}
	case KindSignal:
		if e.Interface == "" {
			return 0, errors.WrapRegistry(errors.ErrInvalidMessage, "Registry", "Register", "signal entry check")
		}
	case KindError:
		if e.Member == "" {
			return 0, errors.WrapRegistry(errors.ErrInvalidMessage, "Registry", "Register", "error entry check")
		}
	default:
		return 0, errors.WrapRegistry(errors.ErrInvalidMessage, "Registry", "Register", "kind check")
	}

	if e.Kind == KindSignal && r.tr != nil {
		if err := r.tr.AddMatch(r.matchFor(e)); err != nil {
			return 0, errors.WrapRegistry(err, "Registry", "Register", "signal match add")
		}
	}

	r.nextID++
	r.slots = append(r.slots, regSlot{id: r.nextID, entry: e})
	return r.nextID, nil
}

// Unregister marks the slot inert and, for signal entries, drops the
// transport-level match. Safe to call from inside a handler.
func (r *Registry) Unregister(h Handle) {
	for i := range r.slots {
		s := &r.slots[i]
		if s.id != h || s.inert {
			continue
		}
		s.inert = true
		r.inert++
		if s.entry.Kind == KindSignal && r.tr != nil {
			if err := r.tr.RemoveMatch(r.matchFor(s.entry)); err != nil {
				r.log.Warn("signal match removal failed", "error", err)
			}
		}
		return
	}
	r.log.Debug("unregister of unknown handler ignored", "handle", h)
}

// Len reports the number of live registrations.
func (r *Registry) Len() int {
	return len(r.slots) - r.inert
}

func (r *Registry) matchFor(e Entry) SignalMatch {
	return SignalMatch{Interface: e.Interface, Member: e.Member, Sender: e.Sender}
}

// findMethod returns the live method slot for interface+member, or nil.
func (r *Registry) findMethod(iface, member string) *regSlot {
	for i := range r.slots {
		s := &r.slots[i]
		if s.inert || s.entry.Kind != KindMethodCall {
			continue
		}
		if s.entry.Interface == iface && s.entry.Member == member {
			return s
		}
	}
	return nil
}

// sweep compacts inert slots out of the table. The router calls it only
// when no dispatch scan is in progress.
func (r *Registry) sweep() {
	if r.inert == 0 {
		return
	}
	keep := r.slots[:0]
	for _, s := range r.slots {
		if !s.inert {
			keep = append(keep, s)
		}
	}
	r.slots = keep
	r.inert = 0
}
