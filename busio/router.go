package busio

import (
	"log/slog"

	"github.com/sailfishos/statebus/metric"
)

// Verdict is the arbiter's answer on whether a sender may invoke privileged
// methods.
type Verdict int

const (
	// VerdictUnknown means the sender's identity is still being resolved
	VerdictUnknown Verdict = iota
	// VerdictNo means the sender is identified and not privileged
	VerdictNo
	// VerdictYes means the sender is identified and privileged
	VerdictYes
)

// String returns the string representation of Verdict
func (v Verdict) String() string {
	switch v {
	case VerdictNo:
		return "no"
	case VerdictYes:
		return "yes"
	default:
		return "unknown"
	}
}

// Arbiter answers privilege questions about bus peers and parks requests
// whose answer is not known yet. Implemented by peer tracking.
type Arbiter interface {
	// Verdict returns the current privilege verdict for a sender.
	Verdict(sender string) Verdict

	// Enqueue parks a live method call until the sender's identity
	// resolves, at which point it is either replayed or answered with an
	// error.
	Enqueue(sender string, m *Message)
}

// SuspendBlocker scopes a block against system suspend around a unit of
// work. Implemented by the wakelock manager; a nil blocker disables the
// mechanism.
type SuspendBlocker interface {
	// Block acquires a uniquely named blocker and returns its idempotent
	// release function.
	Block() (release func())
}

// Router delivers inbound messages to registry handlers. Loop-confined.
type Router struct {
	reg     *Registry
	arbiter Arbiter
	blocker SuspendBlocker
	log     *slog.Logger
	metrics *metric.Metrics

	// depth tracks nested dispatches (a signal handler can trigger a
	// replay); the registry sweep runs only at depth zero.
	depth int
}

// NewRouter builds a router over the registry. Arbiter and blocker are
// optional; without an arbiter every privileged method is denied.
func NewRouter(reg *Registry, arbiter Arbiter, blocker SuspendBlocker, log *slog.Logger, m *metric.Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		reg:     reg,
		arbiter: arbiter,
		blocker: blocker,
		log:     log.With("component", "busio"),
		metrics: m,
	}
}

// SetArbiter wires the arbiter after construction. Peer tracking needs the
// router for replay and the router needs the arbiter for verdicts; the
// arbiter side is attached second.
func (r *Router) SetArbiter(a Arbiter) {
	r.arbiter = a
}

// Dispatch routes one message. Method calls go to the first matching
// handler and always produce exactly one reply; signals go to every
// matching handler in registration order; error replies go to every watcher
// of their error name. The whole dispatch runs under a suspend blocker.
func (r *Router) Dispatch(m *Message, origin Origin) {
	if m == nil {
		return
	}
	release := r.block()
	defer release()

	if r.metrics != nil {
		r.metrics.Dispatches.WithLabelValues(m.Kind.String()).Inc()
		if origin == OriginReplayed {
			r.metrics.ReplayedRequests.Inc()
		}
	}

	r.depth++
	switch m.Kind {
	case KindMethodCall:
		r.dispatchMethod(m, origin)
	case KindSignal:
		r.dispatchSignal(m)
	case KindError:
		r.dispatchError(m)
	}
	r.depth--

	if r.depth == 0 {
		r.reg.sweep()
	}
}

func (r *Router) dispatchMethod(m *Message, origin Origin) {
	s := r.reg.findMethod(m.Interface, m.Member)
	if s == nil || !s.entry.Rule.Match(m) {
		r.log.Debug("unhandled method call", "message", m.String())
		m.Respond(NewError(ErrorNameUnknownMethod, "no handler for %s.%s", m.Interface, m.Member))
		return
	}

	if s.entry.Privileged {
		switch r.verdict(m.Sender) {
		case VerdictYes:
			// fall through to the callback
		case VerdictUnknown:
			if origin == OriginLive {
				r.log.Debug("parking method call until peer identifies",
					"message", m.String())
				if r.metrics != nil {
					r.metrics.QueuedRequests.Inc()
				}
				r.arbiter.Enqueue(m.Sender, m)
				return
			}
			// A replayed call with an unresolved verdict means
			// identification failed; treat as unprivileged.
			fallthrough
		case VerdictNo:
			r.log.Warn("privileged method denied",
				"member", m.Member, "sender", m.Sender, "origin", origin.String())
			if r.metrics != nil {
				r.metrics.PrivilegeDenials.Inc()
			}
			m.Respond(AccessDenied(m.Member))
			return
		}
	}

	reply := s.entry.Callback(m)
	m.Respond(reply)
}

func (r *Router) dispatchSignal(m *Message) {
	// Index loop: handlers registered during the scan are not visited for
	// this signal, inert slots stay in place until the sweep.
	for i := 0; i < len(r.reg.slots); i++ {
		s := r.reg.slots[i]
		if s.inert || s.entry.Kind != KindSignal {
			continue
		}
		if s.entry.Interface != m.Interface {
			continue
		}
		if s.entry.Member != "" && s.entry.Member != m.Member {
			continue
		}
		if s.entry.Sender != "" && s.entry.Sender != m.Sender {
			continue
		}
		if !s.entry.Rule.Match(m) {
			continue
		}
		s.entry.Callback(m)
	}
}

func (r *Router) dispatchError(m *Message) {
	for i := 0; i < len(r.reg.slots); i++ {
		s := r.reg.slots[i]
		if s.inert || s.entry.Kind != KindError {
			continue
		}
		if s.entry.Member != m.ErrorName {
			continue
		}
		s.entry.Callback(m)
	}
}

func (r *Router) verdict(sender string) Verdict {
	if r.arbiter == nil {
		return VerdictNo
	}
	return r.arbiter.Verdict(sender)
}

func (r *Router) block() func() {
	if r.blocker == nil {
		return func() {}
	}
	return r.blocker.Block()
}
