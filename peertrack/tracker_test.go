package peertrack

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sailfishos/statebus/busio"
	"github.com/sailfishos/statebus/busio/busiotest"
	"github.com/sailfishos/statebus/datapipe"
	"github.com/sailfishos/statebus/errors"
	"github.com/sailfishos/statebus/eventloop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type procInfo struct {
	uid     uint32
	gid     uint32
	exe     string
	cmdline string
}

type fakeIDs struct {
	procs map[uint32]procInfo
}

func (f *fakeIDs) Creds(pid uint32) (uint32, uint32, error) {
	p, ok := f.procs[pid]
	if !ok {
		return 0, 0, os.ErrNotExist
	}
	return p.uid, p.gid, nil
}

func (f *fakeIDs) ExePath(pid uint32) (string, error) {
	p, ok := f.procs[pid]
	if !ok {
		return "", os.ErrNotExist
	}
	return p.exe, nil
}

func (f *fakeIDs) Cmdline(pid uint32) (string, error) {
	p, ok := f.procs[pid]
	if !ok {
		return "", os.ErrNotExist
	}
	return p.cmdline, nil
}

type fixture struct {
	loop    *eventloop.Loop
	tr      *busiotest.FakeTransport
	reg     *busio.Registry
	router  *busio.Router
	ids     *fakeIDs
	tracker *Tracker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	loop := eventloop.New(nil)
	require.NoError(t, loop.Start())
	t.Cleanup(func() { _ = loop.Stop() })

	tr := busiotest.NewFakeTransport()
	reg := busio.NewRegistry(tr, nil)
	router := busio.NewRouter(reg, nil, nil, nil, nil)
	ids := &fakeIDs{procs: map[uint32]procInfo{}}

	tracker := New(cfg, loop, tr, router, ids, nil, nil)
	router.SetArbiter(tracker)

	f := &fixture{loop: loop, tr: tr, reg: reg, router: router, ids: ids, tracker: tracker}
	f.run(t, func() { require.NoError(t, tracker.Start(reg)) })
	return f
}

func (f *fixture) run(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, f.loop.Post(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop task did not complete")
	}
}

// resolve walks a peer through owner and pid resolution.
func (f *fixture) resolve(t *testing.T, name, owner string, pid uint32) {
	t.Helper()
	f.run(t, func() {
		if c := f.tr.PendingCall(busDaemonName, "GetNameOwner"); c != nil {
			c.Complete([]any{owner}, nil)
		}
		c := f.tr.PendingCall(busDaemonName, "GetConnectionUnixProcessID")
		require.NotNil(t, c, "expected a pid query for %s", name)
		c.Complete([]any{pid}, nil)
	})
}

func (f *fixture) ownerChanged(t *testing.T, name, oldOwner, newOwner string) {
	t.Helper()
	f.run(t, func() {
		f.router.Dispatch(busio.NewSignal(busDaemonName, busDaemonPath,
			busDaemonIface, "NameOwnerChanged", name, oldOwner, newOwner), busio.OriginLive)
	})
}

func TestStartSubscribesToNameOwnerChanged(t *testing.T) {
	f := newFixture(t, Config{})
	require.Len(t, f.tr.Matches, 1)
	assert.Equal(t, "NameOwnerChanged", f.tr.Matches[0].Member)
	assert.Equal(t, busDaemonName, f.tr.Matches[0].Sender)
}

func TestWellKnownNameResolvesToRunning(t *testing.T) {
	f := newFixture(t, Config{})
	f.ids.procs[1234] = procInfo{uid: 1000, gid: 100, exe: "/usr/bin/example", cmdline: "example --flag"}

	f.run(t, func() {
		p := f.tracker.Track("com.example.service")
		assert.Equal(t, StateQueryOwner, p.State())
	})
	f.resolve(t, "com.example.service", ":1.42", 1234)

	f.run(t, func() {
		p := f.tracker.Peer("com.example.service")
		require.NotNil(t, p)
		assert.Equal(t, StateRunning, p.State())
		assert.Equal(t, ":1.42", p.Owner())
		assert.Equal(t, uint32(1234), p.Pid())
		assert.Equal(t, "/usr/bin/example", p.ExePath())
		assert.Equal(t, "example --flag", p.Identification())
	})
}

func TestSubscriberSeesEveryTransition(t *testing.T) {
	f := newFixture(t, Config{})
	f.ids.procs[45] = procInfo{uid: 1000}

	var seen []State
	f.run(t, func() {
		f.tracker.Subscribe(func(p *Peer) { seen = append(seen, p.State()) })
	})
	f.run(t, func() { f.tracker.Track("com.example.svc") })
	f.resolve(t, "com.example.svc", ":1.45", 45)

	f.run(t, func() {
		assert.Equal(t, []State{StateQueryOwner, StateQueryPid, StateIdentify, StateRunning}, seen)
	})

	// Losing the name is one more transition, not a repeat of the walk.
	f.ownerChanged(t, "com.example.svc", ":1.45", "")
	f.run(t, func() {
		assert.Equal(t, StateStopped, seen[len(seen)-1])
		assert.Len(t, seen, 5)
	})
}

func TestNameWithoutOwnerStopsWithoutRunning(t *testing.T) {
	f := newFixture(t, Config{})

	var seen []State
	f.run(t, func() {
		f.tracker.Subscribe(func(p *Peer) { seen = append(seen, p.State()) })
	})

	// The owner query fails: the bus daemon knows no such name.
	f.run(t, func() { f.tracker.Track("com.example.absent") })
	f.run(t, func() {
		c := f.tr.PendingCall(busDaemonName, "GetNameOwner")
		require.NotNil(t, c)
		c.Complete(nil, errors.ErrNoOwner)
	})
	f.run(t, func() {
		assert.Equal(t, StateStopped, f.tracker.Peer("com.example.absent").State())
	})

	// An empty owner string is the same outcome.
	f.run(t, func() { f.tracker.Track("com.example.blank") })
	f.run(t, func() {
		c := f.tr.PendingCall(busDaemonName, "GetNameOwner")
		require.NotNil(t, c)
		c.Complete([]any{""}, nil)
	})

	f.run(t, func() {
		assert.Equal(t, StateStopped, f.tracker.Peer("com.example.blank").State())
		assert.NotContains(t, seen, StateRunning, "an ownerless name never runs")
		assert.NotContains(t, seen, StateQueryPid)
	})
}

func TestUniqueNameSkipsOwnerQuery(t *testing.T) {
	f := newFixture(t, Config{})
	f.ids.procs[99] = procInfo{uid: 0}

	f.run(t, func() {
		f.tracker.Track(":1.9")
		assert.Nil(t, f.tr.PendingCall(busDaemonName, "GetNameOwner"))
		c := f.tr.PendingCall(busDaemonName, "GetConnectionUnixProcessID")
		require.NotNil(t, c)
		assert.Equal(t, []any{":1.9"}, c.Args)
	})
}

func TestVerdictRecheckedOnEveryCall(t *testing.T) {
	f := newFixture(t, Config{PrivilegedUID: 1002, PrivilegedGID: 1003})
	f.ids.procs[50] = procInfo{uid: 0}

	f.run(t, func() { f.tracker.Track(":1.8") })
	f.resolve(t, ":1.8", ":1.8", 50)

	f.run(t, func() {
		p := f.tracker.Peer(":1.8")
		assert.Equal(t, busio.VerdictYes, p.Privileged(), "verdict cached at identification")
		assert.Equal(t, busio.VerdictYes, f.tracker.Verdict(":1.8"))

		// Credentials changed under the same pid: no stale answer, and the
		// cached verdict follows the re-check.
		f.ids.procs[50] = procInfo{uid: 1000, gid: 100}
		assert.Equal(t, busio.VerdictNo, f.tracker.Verdict(":1.8"))
		assert.Equal(t, busio.VerdictNo, p.Privileged())

		// Process gone entirely.
		delete(f.ids.procs, 50)
		assert.Equal(t, busio.VerdictNo, f.tracker.Verdict(":1.8"))
	})
}

func TestPrivilegedUIDAndGIDGrantAccess(t *testing.T) {
	f := newFixture(t, Config{PrivilegedUID: 1002, PrivilegedGID: 1003})
	f.ids.procs[60] = procInfo{uid: 1002, gid: 100}
	f.ids.procs[61] = procInfo{uid: 1000, gid: 1003}

	f.run(t, func() { f.tracker.Track(":1.60") })
	f.resolve(t, ":1.60", ":1.60", 60)
	f.run(t, func() { f.tracker.Track(":1.61") })
	f.resolve(t, ":1.61", ":1.61", 61)

	f.run(t, func() {
		assert.Equal(t, busio.VerdictYes, f.tracker.Verdict(":1.60"))
		assert.Equal(t, busio.VerdictYes, f.tracker.Verdict(":1.61"))
	})
}

func TestVerdictForUntrackedSenderStartsTracking(t *testing.T) {
	f := newFixture(t, Config{})
	f.run(t, func() {
		assert.Equal(t, busio.VerdictUnknown, f.tracker.Verdict(":1.77"))
		assert.NotNil(t, f.tracker.Peer(":1.77"))
	})
}

func TestQueuedRequestReplayedAfterIdentification(t *testing.T) {
	f := newFixture(t, Config{})
	f.ids.procs[70] = procInfo{uid: 0, cmdline: "systemctl reboot"}

	invoked := 0
	f.run(t, func() {
		_, err := f.reg.Register(busio.Entry{
			Kind: busio.KindMethodCall, Interface: "com.example.request", Member: "req_reboot",
			Privileged: true,
			Callback: func(m *busio.Message) *busio.Reply {
				invoked++
				return busio.NewReply(true)
			},
		})
		require.NoError(t, err)
	})

	var replies []*busio.Reply
	f.run(t, func() {
		m := busio.NewMethodCall(":1.70", "/obj", "com.example.request", "req_reboot",
			func(r *busio.Reply) { replies = append(replies, r) })
		f.router.Dispatch(m, busio.OriginLive)

		// Parked, not answered, not invoked.
		assert.Empty(t, replies)
		assert.Equal(t, 0, invoked)
	})

	f.resolve(t, ":1.70", ":1.70", 70)

	require.Len(t, replies, 1)
	assert.Nil(t, replies[0].Err)
	assert.Equal(t, []any{true}, replies[0].Body)
	assert.Equal(t, 1, invoked)
}

func TestQueuedRequestDeniedForUnprivilegedPeer(t *testing.T) {
	f := newFixture(t, Config{PrivilegedUID: 1002})
	f.ids.procs[71] = procInfo{uid: 1000, gid: 100}

	f.run(t, func() {
		_, err := f.reg.Register(busio.Entry{
			Kind: busio.KindMethodCall, Interface: "com.example.request", Member: "req_reboot",
			Privileged: true, Callback: func(m *busio.Message) *busio.Reply { return nil },
		})
		require.NoError(t, err)
	})

	var replies []*busio.Reply
	f.run(t, func() {
		f.router.Dispatch(busio.NewMethodCall(":1.71", "/obj", "com.example.request", "req_reboot",
			func(r *busio.Reply) { replies = append(replies, r) }), busio.OriginLive)
	})
	f.resolve(t, ":1.71", ":1.71", 71)

	require.Len(t, replies, 1)
	require.NotNil(t, replies[0].Err)
	assert.Equal(t, busio.ErrorNameAccessDenied, replies[0].Err.Name)
}

func TestStoppedPeerAnswersParkedRequestsWithError(t *testing.T) {
	f := newFixture(t, Config{})

	var replies []*busio.Reply
	quits := 0
	f.run(t, func() {
		_, err := f.reg.Register(busio.Entry{
			Kind: busio.KindMethodCall, Interface: "com.example.request", Member: "req_reboot",
			Privileged: true, Callback: func(m *busio.Message) *busio.Reply { return nil },
		})
		require.NoError(t, err)

		f.router.Dispatch(busio.NewMethodCall(":1.72", "/obj", "com.example.request", "req_reboot",
			func(r *busio.Reply) { replies = append(replies, r) }), busio.OriginLive)
		f.tracker.OnQuit(":1.72", func() { quits++ })
		assert.Empty(t, replies)
	})

	f.ownerChanged(t, ":1.72", ":1.72", "")

	require.Len(t, replies, 1)
	require.NotNil(t, replies[0].Err)
	assert.Equal(t, busio.ErrorNameFailed, replies[0].Err.Name)
	assert.Equal(t, 1, quits)

	// A second stop notification must not run the quit callback again.
	f.run(t, func() {
		p := f.tracker.Peer(":1.72")
		require.NotNil(t, p)
		assert.Equal(t, StateStopped, p.State())
	})
}

func TestQuitCallbackOnStoppedPeerFiresFromIdle(t *testing.T) {
	f := newFixture(t, Config{})
	f.ids.procs[75] = procInfo{uid: 1000}

	f.run(t, func() { f.tracker.Track("com.example.gone") })
	f.resolve(t, "com.example.gone", ":1.75", 75)
	f.ownerChanged(t, "com.example.gone", ":1.75", "")

	quits := 0
	f.run(t, func() { f.tracker.OnQuit("com.example.gone", func() { quits++ }) })

	assert.Eventually(t, func() bool {
		var n int
		f.run(t, func() { n = quits })
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStoppedPrivatePeerIsForgottenAfterDelay(t *testing.T) {
	f := newFixture(t, Config{DeleteDelay: 20 * time.Millisecond})
	f.ids.procs[73] = procInfo{uid: 1000}

	f.run(t, func() { f.tracker.Track(":1.73") })
	f.resolve(t, ":1.73", ":1.73", 73)
	f.ownerChanged(t, ":1.73", ":1.73", "")

	f.run(t, func() {
		require.NotNil(t, f.tracker.Peer(":1.73"), "record lingers through the grace delay")
	})
	assert.Eventually(t, func() bool {
		var gone bool
		f.run(t, func() { gone = f.tracker.Peer(":1.73") == nil })
		return gone
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStoppedWellKnownNameResurrects(t *testing.T) {
	f := newFixture(t, Config{})
	f.ids.procs[80] = procInfo{uid: 1000}
	f.ids.procs[81] = procInfo{uid: 1000}

	f.run(t, func() { f.tracker.Track("com.example.service") })
	f.resolve(t, "com.example.service", ":1.80", 80)
	f.ownerChanged(t, "com.example.service", ":1.80", "")

	f.run(t, func() {
		assert.Equal(t, StateStopped, f.tracker.Peer("com.example.service").State())
	})

	// The name changes hands; resolution restarts from the pid query.
	f.ownerChanged(t, "com.example.service", "", ":1.81")
	f.run(t, func() {
		c := f.tr.PendingCall(busDaemonName, "GetConnectionUnixProcessID")
		require.NotNil(t, c)
		c.Complete([]any{uint32(81)}, nil)
	})

	f.run(t, func() {
		p := f.tracker.Peer("com.example.service")
		assert.Equal(t, StateRunning, p.State())
		assert.Equal(t, ":1.81", p.Owner())
		assert.Equal(t, uint32(81), p.Pid())
	})
}

func TestProxyPeerIdentifiedThroughSandboxService(t *testing.T) {
	cfg := Config{
		ProxyExecPath: "/usr/bin/xdg-dbus-proxy",
		IdentifyIface: "org.sailfishos.sailjailed",
		IdentifyPath:  "/",
	}
	f := newFixture(t, cfg)
	f.ids.procs[500] = procInfo{uid: 1000, exe: "/usr/bin/xdg-dbus-proxy", cmdline: "xdg-dbus-proxy"}
	f.ids.procs[600] = procInfo{uid: 0, exe: "/usr/bin/sandboxed-app", cmdline: "sandboxed-app"}

	f.run(t, func() { f.tracker.Track(":1.90") })
	f.run(t, func() {
		c := f.tr.PendingCall(busDaemonName, "GetConnectionUnixProcessID")
		require.NotNil(t, c)
		c.Complete([]any{uint32(500)}, nil)

		// The Identify call goes to the proxy connection itself, with no
		// arguments; the proxy knows who it fronts for.
		ident := f.tr.PendingCall(":1.90", "Identify")
		require.NotNil(t, ident, "proxy exe must trigger the identity detour")
		assert.Equal(t, "org.sailfishos.sailjailed", ident.Interface)
		assert.Empty(t, ident.Args)
		ident.Complete([]any{uint32(600)}, nil)
	})

	f.run(t, func() {
		p := f.tracker.Peer(":1.90")
		assert.Equal(t, StateRunning, p.State())
		assert.Equal(t, uint32(600), p.Pid())
		assert.Equal(t, "/usr/bin/sandboxed-app", p.ExePath())
		assert.Equal(t, busio.VerdictYes, f.tracker.Verdict(":1.90"))
	})
}

func TestProxyIdentifyFailureFallsBackToProxyIdentity(t *testing.T) {
	cfg := Config{
		ProxyExecPath: "/usr/bin/xdg-dbus-proxy",
		IdentifyIface: "org.sailfishos.sailjailed",
	}
	f := newFixture(t, cfg)
	f.ids.procs[500] = procInfo{uid: 1000, exe: "/usr/bin/xdg-dbus-proxy"}

	f.run(t, func() { f.tracker.Track(":1.91") })
	f.run(t, func() {
		c := f.tr.PendingCall(busDaemonName, "GetConnectionUnixProcessID")
		require.NotNil(t, c)
		c.Complete([]any{uint32(500)}, nil)

		ident := f.tr.PendingCall(":1.91", "Identify")
		require.NotNil(t, ident)
		ident.Complete(nil, os.ErrDeadlineExceeded)
	})

	f.run(t, func() {
		p := f.tracker.Peer(":1.91")
		assert.Equal(t, StateRunning, p.State())
		assert.Equal(t, uint32(500), p.Pid())
	})
}

func TestSupersededQueryCompletionIsIgnored(t *testing.T) {
	f := newFixture(t, Config{})

	var stale *busiotest.FakeCall
	f.run(t, func() {
		f.tracker.Track("com.example.service")
		stale = f.tr.PendingCall(busDaemonName, "GetNameOwner")
		require.NotNil(t, stale)
	})

	// The owner announcement supersedes the still-pending owner query.
	f.ownerChanged(t, "com.example.service", "", ":1.95")

	f.run(t, func() {
		assert.True(t, stale.Canceled, "superseded call is canceled")
		p := f.tracker.Peer("com.example.service")
		assert.Equal(t, StateQueryPid, p.State())
	})
}

func TestServicePipeMirrorsAvailability(t *testing.T) {
	f := newFixture(t, Config{})
	f.ids.procs[30] = procInfo{uid: 1000}
	pipe := datapipe.New(datapipe.Config{
		Name:    "compositor-service-state",
		Cache:   datapipe.CacheOutput,
		Initial: datapipe.Enum(datapipe.ServiceUndef),
	}, f.loop, nil, nil)

	f.run(t, func() { f.tracker.BindServicePipe("org.example.compositor", pipe) })
	f.resolve(t, "org.example.compositor", ":1.30", 30)
	f.run(t, func() {
		assert.Equal(t, datapipe.ServiceRunning, datapipe.EnumOf[datapipe.ServiceState](pipe.Read()))
	})

	f.ownerChanged(t, "org.example.compositor", ":1.30", "")
	f.run(t, func() {
		assert.Equal(t, datapipe.ServiceStopped, datapipe.EnumOf[datapipe.ServiceState](pipe.Read()))
	})
}

func TestSubscriberGetsDeferredCatchUp(t *testing.T) {
	f := newFixture(t, Config{})
	f.ids.procs[40] = procInfo{uid: 1000}

	f.run(t, func() { f.tracker.Track(":1.40") })
	f.resolve(t, ":1.40", ":1.40", 40)

	var seen []string
	f.run(t, func() {
		f.tracker.Subscribe(func(p *Peer) {
			seen = append(seen, p.Name()+":"+p.State().String())
		})
		// Catch-up is deferred, not synchronous.
		assert.Empty(t, seen)
	})
	f.run(t, func() {
		assert.Equal(t, []string{":1.40:running"}, seen)
	})
}
