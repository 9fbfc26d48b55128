package peertrack

import (
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sailfishos/statebus/busio"
	"github.com/sailfishos/statebus/datapipe"
	"github.com/sailfishos/statebus/errors"
	"github.com/sailfishos/statebus/eventloop"
	"github.com/sailfishos/statebus/metric"
)

// Bus daemon endpoint used for owner and pid queries.
const (
	busDaemonName  = "org.freedesktop.DBus"
	busDaemonPath  = dbus.ObjectPath("/org/freedesktop/DBus")
	busDaemonIface = "org.freedesktop.DBus"
)

// DefaultDeleteDelay is how long a stopped private peer lingers before its
// record is dropped. The delay keeps the record alive across the burst of
// messages that often trails a disconnecting client.
const DefaultDeleteDelay = 5 * time.Second

// Config sets the privilege policy and the sandbox-proxy detour.
type Config struct {
	// PrivilegedUID and PrivilegedGID are granted privilege alongside
	// root.
	PrivilegedUID uint32
	PrivilegedGID uint32

	// ProxyExecPath is the executable that marks a peer as a bus proxy
	// fronting for a sandboxed client. Empty disables proxy detection.
	ProxyExecPath string

	// IdentifyIface is the interface of the Identify method used to
	// unmask a proxied client. The call is sent to the proxy peer
	// itself, which carries the sandboxing service's implementation.
	// Empty disables the detour; the proxy's own identity is used
	// instead.
	IdentifyIface string
	IdentifyPath  dbus.ObjectPath

	// DeleteDelay overrides DefaultDeleteDelay when positive.
	DeleteDelay time.Duration
}

func (c Config) deleteDelay() time.Duration {
	if c.DeleteDelay > 0 {
		return c.DeleteDelay
	}
	return DefaultDeleteDelay
}

// Tracker owns every tracked peer. Loop-confined, like the router it
// serves; it implements busio.Arbiter.
type Tracker struct {
	cfg    Config
	loop   *eventloop.Loop
	tr     busio.Transport
	router *busio.Router
	ids    IdentitySource

	peers map[string]*Peer
	subs  []func(*Peer)

	log     *slog.Logger
	metrics *metric.Metrics
}

// New builds a tracker. The router reference is for replaying parked
// requests; the arbiter side is wired by the caller via SetArbiter.
func New(cfg Config, loop *eventloop.Loop, tr busio.Transport, router *busio.Router, ids IdentitySource, log *slog.Logger, m *metric.Metrics) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if ids == nil {
		ids = ProcSource{}
	}
	return &Tracker{
		cfg:     cfg,
		loop:    loop,
		tr:      tr,
		router:  router,
		ids:     ids,
		peers:   make(map[string]*Peer),
		log:     log.With("component", "peertrack"),
		metrics: m,
	}
}

// Start subscribes to name-ownership changes. Must run before peers are
// tracked or a lost name can go unnoticed.
func (t *Tracker) Start(reg *busio.Registry) error {
	_, err := reg.Register(busio.Entry{
		Kind:      busio.KindSignal,
		Interface: busDaemonIface,
		Member:    "NameOwnerChanged",
		Sender:    busDaemonName,
		Callback:  t.handleNameOwnerChanged,
	})
	return err
}

// Track returns the peer record for a bus name, creating it and starting
// identity resolution on first sight.
func (t *Tracker) Track(name string) *Peer {
	if p, ok := t.peers[name]; ok {
		return p
	}
	p := &Peer{name: name, state: StateInitial, priv: busio.VerdictUnknown}
	t.peers[name] = p
	if t.metrics != nil {
		t.metrics.PeersTracked.Inc()
	}
	t.log.Debug("tracking peer", "name", name)

	if p.private() {
		// A unique name owns itself; skip the owner query.
		p.owner = name
		t.enterQueryPid(p)
	} else {
		t.enterQueryOwner(p)
	}
	return p
}

// Peer returns the record for a name, or nil when untracked.
func (t *Tracker) Peer(name string) *Peer {
	return t.peers[name]
}

// Names returns the tracked names in map order; for diagnostics.
func (t *Tracker) Names() []string {
	names := make([]string, 0, len(t.peers))
	for name := range t.peers {
		names = append(names, name)
	}
	return names
}

// Subscribe registers a state-change observer. Existing peers are reported
// through a deferred catch-up pass so the subscriber never misses state it
// was too late for.
func (t *Tracker) Subscribe(fn func(*Peer)) {
	t.subs = append(t.subs, fn)
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	_ = t.loop.Post(func() {
		for _, p := range peers {
			fn(p)
		}
	})
}

// OnQuit runs fn when the named peer next stops. One-shot. Registering
// against a peer that is already stopped fires the callback from an idle
// task instead of waiting for a stop that already happened.
func (t *Tracker) OnQuit(name string, fn func()) {
	p := t.Track(name)
	if p.state == StateStopped {
		_ = t.loop.PostIdle(fn)
		return
	}
	p.quitCallbacks = append(p.quitCallbacks, fn)
}

// BindServicePipe mirrors the peer's availability into a service-state
// pipe: Running and Stopped transitions write the matching enum value.
func (t *Tracker) BindServicePipe(name string, pipe *datapipe.Pipe) {
	p := t.Track(name)
	p.pipe = pipe
}

// Verdict implements busio.Arbiter. For a running peer the verdict cached
// at identification is refreshed by re-reading the process credentials on
// every call; a pid that vanished or was recycled fails the check rather
// than riding the cached answer.
func (t *Tracker) Verdict(sender string) busio.Verdict {
	p, ok := t.peers[sender]
	if !ok {
		t.Track(sender)
		return busio.VerdictUnknown
	}
	switch p.state {
	case StateRunning:
		uid, gid, err := t.ids.Creds(p.pid)
		if err != nil {
			t.log.Warn("peer process vanished during privilege check",
				"name", p.name, "pid", p.pid, "error", err)
			p.priv = busio.VerdictNo
		} else {
			p.priv = t.judge(uid, gid)
		}
		return p.priv
	case StateStopped:
		return busio.VerdictNo
	default:
		return busio.VerdictUnknown
	}
}

// Enqueue implements busio.Arbiter: park a live request until the sender's
// identity resolves.
func (t *Tracker) Enqueue(sender string, m *busio.Message) {
	p := t.Track(sender)
	if p.state == StateStopped {
		m.Respond(busio.NewError(busio.ErrorNameFailed,
			"peer %s is gone", p.Identification()))
		return
	}
	p.queue = append(p.queue, m)
	t.log.Debug("request parked pending identification",
		"name", sender, "member", m.Member, "queued", len(p.queue))
}

// Close cancels in-flight queries and timers for every peer.
func (t *Tracker) Close() {
	for _, p := range t.peers {
		p.bump()
		p.stopDeleteTimer()
	}
}

func (t *Tracker) judge(uid, gid uint32) busio.Verdict {
	if uid == 0 || uid == t.cfg.PrivilegedUID || gid == t.cfg.PrivilegedGID {
		return busio.VerdictYes
	}
	return busio.VerdictNo
}

// setState is the single entry point for lifecycle transitions: it records
// the new state and notifies subscribers synchronously, once per
// transition. Same-state assignments are dropped.
func (t *Tracker) setState(p *Peer, s State) {
	if p.state == s {
		return
	}
	t.log.Debug("peer state change",
		"name", p.name, "from", p.state.String(), "to", s.String())
	p.state = s
	t.notify(p)
}

func (t *Tracker) notify(p *Peer) {
	for _, fn := range t.subs {
		fn(p)
	}
}

func (t *Tracker) handleNameOwnerChanged(m *busio.Message) *busio.Reply {
	name, ok1 := m.StringArg(0)
	oldOwner, ok2 := m.StringArg(1)
	newOwner, ok3 := m.StringArg(2)
	if !ok1 || !ok2 || !ok3 {
		t.log.Warn("malformed NameOwnerChanged signal", "message", m.String())
		return nil
	}
	p, tracked := t.peers[name]
	if !tracked {
		return nil
	}

	if newOwner == "" {
		t.log.Debug("peer lost its name", "name", name, "owner", oldOwner)
		if p.state != StateStopped {
			t.enterStopped(p)
		}
		return nil
	}

	// New or changed owner: re-resolve from the pid query onward. A
	// stopped well-known name resurrects here.
	t.log.Debug("peer name changed hands", "name", name, "owner", newOwner)
	p.stopDeleteTimer()
	p.owner = newOwner
	t.enterQueryPid(p)
	return nil
}

func (t *Tracker) enterQueryOwner(p *Peer) {
	t.setState(p, StateQueryOwner)
	tok := p.bump()

	cancel, err := t.tr.Call(busDaemonName, busDaemonPath, busDaemonIface, "GetNameOwner",
		func(body []any, err error) {
			if p.opToken != tok {
				return
			}
			p.cancel = nil
			if err != nil {
				t.log.Debug("name has no owner", "name", p.name, "error", err)
				t.enterStopped(p)
				return
			}
			owner, ok := first[string](body)
			if !ok || owner == "" {
				t.log.Debug("owner query returned nothing", "name", p.name,
					"error", errors.ErrNoOwner)
				t.enterStopped(p)
				return
			}
			p.owner = owner
			t.enterQueryPid(p)
		}, p.name)
	if err != nil {
		t.log.Warn("owner query failed to start", "name", p.name, "error", err)
		t.enterStopped(p)
		return
	}
	p.cancel = cancel
}

func (t *Tracker) enterQueryPid(p *Peer) {
	t.setState(p, StateQueryPid)
	tok := p.bump()

	cancel, err := t.tr.Call(busDaemonName, busDaemonPath, busDaemonIface, "GetConnectionUnixProcessID",
		func(body []any, err error) {
			if p.opToken != tok {
				return
			}
			p.cancel = nil
			if err != nil {
				t.log.Warn("pid query failed", "name", p.name, "owner", p.owner, "error", err)
				t.enterStopped(p)
				return
			}
			pid, ok := first[uint32](body)
			if !ok {
				t.enterStopped(p)
				return
			}
			t.enterIdentify(p, pid)
		}, p.owner)
	if err != nil {
		t.log.Warn("pid query failed to start", "name", p.name, "error", err)
		t.enterStopped(p)
		return
	}
	p.cancel = cancel
}

func (t *Tracker) enterIdentify(p *Peer, pid uint32) {
	t.setState(p, StateIdentify)
	tok := p.bump()
	p.pid = pid
	p.exe = ""
	p.cmdline = ""

	if exe, err := t.ids.ExePath(pid); err == nil {
		p.exe = exe
	}
	if cmdline, err := t.ids.Cmdline(pid); err == nil {
		p.cmdline = cmdline
	}

	if t.cfg.ProxyExecPath == "" || p.exe != t.cfg.ProxyExecPath || t.cfg.IdentifyIface == "" {
		t.finishIdentify(p)
		return
	}

	// The peer is a sandbox bus proxy; ask the connection itself who is
	// really behind it. The proxy forwards the call to the sandboxing
	// service, which answers with the confined process id.
	t.log.Debug("peer is a bus proxy; querying real identity",
		"name", p.name, "pid", pid)
	cancel, err := t.tr.Call(p.owner, t.cfg.IdentifyPath, t.cfg.IdentifyIface, "Identify",
		func(body []any, err error) {
			if p.opToken != tok {
				return
			}
			p.cancel = nil
			realPid, ok := first[uint32](body)
			if err != nil || !ok {
				// Fall back to judging the proxy process itself.
				t.log.Warn("proxy identification failed; using proxy identity",
					"name", p.name, "pid", p.pid, "error", err)
				t.finishIdentify(p)
				return
			}
			p.pid = realPid
			if exe, err := t.ids.ExePath(realPid); err == nil {
				p.exe = exe
			}
			if cmdline, err := t.ids.Cmdline(realPid); err == nil {
				p.cmdline = cmdline
			}
			t.finishIdentify(p)
		})
	if err != nil {
		t.log.Warn("proxy identification failed to start", "name", p.name, "error", err)
		t.finishIdentify(p)
		return
	}
	p.cancel = cancel
}

func (t *Tracker) finishIdentify(p *Peer) {
	if uid, gid, err := t.ids.Creds(p.pid); err == nil {
		p.priv = t.judge(uid, gid)
	} else {
		p.priv = busio.VerdictNo
	}
	t.enterRunning(p)
}

func (t *Tracker) enterRunning(p *Peer) {
	t.setState(p, StateRunning)
	p.bump()
	p.stopDeleteTimer()
	t.log.Info("peer identified",
		"name", p.name, "owner", p.owner, "pid", p.pid,
		"exe", p.exe, "privileged", p.priv.String())

	if p.pipe != nil {
		p.pipe.Write(datapipe.Enum(datapipe.ServiceRunning))
	}
	t.replay(p)
}

// replay re-dispatches parked requests in arrival order. Replayed origin
// means an unresolved verdict denies instead of parking again.
func (t *Tracker) replay(p *Peer) {
	queue := p.queue
	p.queue = nil
	for _, m := range queue {
		t.log.Debug("replaying parked request", "name", p.name, "member", m.Member)
		t.router.Dispatch(m, busio.OriginReplayed)
	}
}

func (t *Tracker) enterStopped(p *Peer) {
	t.setState(p, StateStopped)
	p.bump()
	p.priv = busio.VerdictUnknown
	p.owner = ""
	p.pid = 0

	// Parked requests can never be authorized now; answer each with an
	// error instead of leaving the callers hanging.
	queue := p.queue
	p.queue = nil
	for _, m := range queue {
		t.log.Warn("dropping parked request from stopped peer",
			"name", p.name, "member", m.Member)
		m.Respond(busio.NewError(busio.ErrorNameFailed,
			"peer %s exited before identification completed", p.Identification()))
	}

	quits := p.quitCallbacks
	p.quitCallbacks = nil
	for _, fn := range quits {
		fn()
	}

	if p.pipe != nil {
		p.pipe.Write(datapipe.Enum(datapipe.ServiceStopped))
	}

	if p.private() {
		p.stopDeleteTimer()
		timer, err := t.loop.PostDelayed(t.cfg.deleteDelay(), func() {
			p.deleteTimer = nil
			t.forget(p)
		})
		if err == nil {
			p.deleteTimer = timer
		}
	}
}

func (t *Tracker) forget(p *Peer) {
	if t.peers[p.name] != p {
		return
	}
	delete(t.peers, p.name)
	if t.metrics != nil {
		t.metrics.PeersTracked.Dec()
	}
	t.log.Debug("peer record dropped", "name", p.name)
}

// first extracts a typed first body element.
func first[T any](body []any) (T, bool) {
	var zero T
	if len(body) == 0 {
		return zero, false
	}
	v, ok := body[0].(T)
	return v, ok
}
