package peertrack

import (
	"strings"

	"github.com/sailfishos/statebus/busio"
	"github.com/sailfishos/statebus/datapipe"
	"github.com/sailfishos/statebus/eventloop"
)

// State is a peer's position in the identification lifecycle.
type State int

const (
	// StateInitial is a freshly created, not yet resolving peer
	StateInitial State = iota
	// StateQueryOwner waits for the bus daemon to name the owning
	// connection
	StateQueryOwner
	// StateQueryPid waits for the owner's process id
	StateQueryPid
	// StateIdentify inspects the process, possibly via the sandboxing
	// helper when the owner is a bus proxy
	StateIdentify
	// StateRunning is the settled state of a live, identified peer
	StateRunning
	// StateStopped means the name has no owner; well-known names may
	// resurrect from here, private names are deleted after a grace delay
	StateStopped
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateQueryOwner:
		return "query_owner"
	case StateQueryPid:
		return "query_pid"
	case StateIdentify:
		return "identify"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Peer is one tracked bus name and everything learned about its owner.
// Owned by the tracker, loop-confined.
type Peer struct {
	name    string
	owner   string
	pid     uint32
	exe     string
	cmdline string
	state   State
	priv    busio.Verdict

	// opToken guards async completions: every transition bumps it, and a
	// completion carrying a stale token is a superseded operation.
	opToken uint64
	cancel  func()

	queue         []*busio.Message
	quitCallbacks []func()

	deleteTimer *eventloop.Timer

	// pipe, when bound, mirrors the peer's availability as a service
	// state value.
	pipe *datapipe.Pipe
}

// Name returns the tracked bus name.
func (p *Peer) Name() string { return p.name }

// Owner returns the unique name owning the tracked name, if resolved.
func (p *Peer) Owner() string { return p.owner }

// Pid returns the owner's process id, if resolved.
func (p *Peer) Pid() uint32 { return p.pid }

// ExePath returns the owner's executable path, if identified.
func (p *Peer) ExePath() string { return p.exe }

// Cmdline returns the owner's command line, if identified.
func (p *Peer) Cmdline() string { return p.cmdline }

// State returns the current lifecycle state.
func (p *Peer) State() State { return p.state }

// Privileged returns the privilege verdict cached at identification and
// refreshed on every arbitration call.
func (p *Peer) Privileged() busio.Verdict { return p.priv }

// Identification names the peer for diagnostics: command line when known,
// otherwise the bus name.
func (p *Peer) Identification() string {
	if p.cmdline != "" {
		return p.cmdline
	}
	return p.name
}

// private reports whether the tracked name is a unique connection name.
// Private peers do not outlive their connection.
func (p *Peer) private() bool {
	return strings.HasPrefix(p.name, ":")
}

// bump invalidates in-flight async operations for this peer.
func (p *Peer) bump() uint64 {
	p.opToken++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	return p.opToken
}

// stopDeleteTimer cancels a pending post-stop deletion, if any.
func (p *Peer) stopDeleteTimer() {
	if p.deleteTimer != nil {
		p.deleteTimer.Cancel()
		p.deleteTimer = nil
	}
}
