package service

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sailfishos/statebus/busio"
	"github.com/sailfishos/statebus/busio/busiotest"
	"github.com/sailfishos/statebus/config"
	"github.com/sailfishos/statebus/datapipe"
	"github.com/sailfishos/statebus/setting"
	"github.com/sailfishos/statebus/wakelock"
)

// grantAll authorizes every sender; denyAll authorizes none.
type grantAll struct{}

func (grantAll) Verdict(string) busio.Verdict { return busio.VerdictYes }

func (grantAll) Enqueue(string, *busio.Message) {}

type denyAll struct{}

func (denyAll) Verdict(string) busio.Verdict { return busio.VerdictNo }

func (denyAll) Enqueue(string, *busio.Message) {}

type fixture struct {
	cfg    *config.Config
	tr     *busiotest.FakeTransport
	router *busio.Router
	store  *setting.Store
	level  *slog.LevelVar
	svc    *Service
}

func newFixture(t *testing.T, arbiter busio.Arbiter) *fixture {
	t.Helper()
	cfg := config.Default()
	tr := busiotest.NewFakeTransport()
	reg := busio.NewRegistry(tr, nil)
	router := busio.NewRouter(reg, arbiter, nil, nil, nil)

	store, err := setting.NewStore(filepath.Join(t.TempDir(), "settings.json"),
		setting.DefaultSpecs(), nil, nil)
	require.NoError(t, err)

	locks := wakelock.NewManager(
		filepath.Join(t.TempDir(), "wake_lock"),
		filepath.Join(t.TempDir(), "wake_unlock"), nil, nil)
	level := &slog.LevelVar{}
	svc := New(cfg, tr, store, locks, datapipe.NewCatalog(nil, nil, nil), level, nil)
	require.NoError(t, svc.Register(reg))

	return &fixture{cfg: cfg, tr: tr, router: router, store: store, level: level, svc: svc}
}

// call dispatches a method call against the request interface and returns
// the reply.
func (f *fixture) call(t *testing.T, member string, args ...any) *busio.Reply {
	t.Helper()
	var replies []*busio.Reply
	m := busio.NewMethodCall(":1.7", dbus.ObjectPath(f.cfg.ObjectPath),
		f.cfg.RequestInterface(), member,
		func(r *busio.Reply) { replies = append(replies, r) }, args...)
	f.router.Dispatch(m, busio.OriginLive)
	require.Len(t, replies, 1, "method %s must reply exactly once", member)
	return replies[0]
}

func TestGetVersion(t *testing.T) {
	f := newFixture(t, grantAll{})
	r := f.call(t, "get_version")
	require.Nil(t, r.Err)
	assert.Equal(t, []any{Version}, r.Body)
}

func TestVerbosityRoundTrip(t *testing.T) {
	f := newFixture(t, grantAll{})

	r := f.call(t, "get_verbosity")
	require.Nil(t, r.Err)
	assert.Equal(t, []any{"info"}, r.Body)

	r = f.call(t, "set_verbosity", "debug")
	require.Nil(t, r.Err)
	assert.Equal(t, slog.LevelDebug, f.level.Level())

	r = f.call(t, "get_verbosity")
	require.Nil(t, r.Err)
	assert.Equal(t, []any{"debug"}, r.Body)
}

func TestSetVerbosityRejectsUnknownLevel(t *testing.T) {
	f := newFixture(t, grantAll{})
	r := f.call(t, "set_verbosity", "loud")
	require.NotNil(t, r.Err)
	assert.Equal(t, busio.ErrorNameInvalidArgs, r.Err.Name)
}

func TestPrivilegedMethodsDeniedWithoutPrivilege(t *testing.T) {
	f := newFixture(t, denyAll{})
	for _, member := range []string{"set_verbosity", "set_config", "reset_config"} {
		r := f.call(t, member, "x")
		require.NotNil(t, r.Err, member)
		assert.Equal(t, busio.ErrorNameAccessDenied, r.Err.Name, member)
	}

	// Read-only methods stay open.
	r := f.call(t, "get_version")
	assert.Nil(t, r.Err)
}

func TestConfigRoundTrip(t *testing.T) {
	f := newFixture(t, grantAll{})

	r := f.call(t, "set_config", setting.KeyDisplayBrightness, dbus.MakeVariant(int32(25)))
	require.Nil(t, r.Err)

	r = f.call(t, "get_config", setting.KeyDisplayBrightness)
	require.Nil(t, r.Err)
	assert.Equal(t, []any{dbus.MakeVariant(int32(25))}, r.Body)

	v, err := f.store.GetInt(setting.KeyDisplayBrightness)
	require.NoError(t, err)
	assert.Equal(t, 25, v)
}

func TestSetConfigBroadcastsChange(t *testing.T) {
	f := newFixture(t, grantAll{})

	r := f.call(t, "set_config", setting.KeyDisplayALSEnabled, dbus.MakeVariant(false))
	require.Nil(t, r.Err)

	require.Len(t, f.tr.Emitted, 1)
	sig := f.tr.Emitted[0]
	assert.Equal(t, f.cfg.SignalInterface(), sig.Interface)
	assert.Equal(t, "config_change", sig.Member)
	assert.Equal(t, []any{setting.KeyDisplayALSEnabled, dbus.MakeVariant(false)}, sig.Body)
}

func TestUnchangedSetConfigStaysSilent(t *testing.T) {
	f := newFixture(t, grantAll{})

	r := f.call(t, "set_config", setting.KeyDoubleTapWakeup, dbus.MakeVariant(true))
	require.Nil(t, r.Err)
	assert.Empty(t, f.tr.Emitted, "setting the current value broadcasts nothing")
}

func TestResetConfigRestoresDefault(t *testing.T) {
	f := newFixture(t, grantAll{})
	require.Nil(t, f.call(t, "set_config", setting.KeyDisplayBrightness, dbus.MakeVariant(int32(5))).Err)

	r := f.call(t, "reset_config", setting.KeyDisplayBrightness)
	require.Nil(t, r.Err)
	assert.Equal(t, []any{int32(1)}, r.Body)

	v, _ := f.store.GetInt(setting.KeyDisplayBrightness)
	assert.Equal(t, 60, v)
}

func TestResetConfigPrefixCoversSubtree(t *testing.T) {
	f := newFixture(t, grantAll{})
	require.Nil(t, f.call(t, "set_config", setting.KeyDisplayBrightness, dbus.MakeVariant(int32(5))).Err)
	require.Nil(t, f.call(t, "set_config", setting.KeyDisplayBlankTimeout, dbus.MakeVariant(int32(120))).Err)

	r := f.call(t, "reset_config", "display/")
	require.Nil(t, r.Err)
	assert.Equal(t, []any{int32(2)}, r.Body)

	v, _ := f.store.GetInt(setting.KeyDisplayBrightness)
	assert.Equal(t, 60, v)

	// Keys outside the prefix are untouched and already-default keys are
	// not counted.
	r = f.call(t, "reset_config", "touch/")
	require.Nil(t, r.Err)
	assert.Equal(t, []any{int32(0)}, r.Body)
}

func TestGetConfigUnknownKeyFails(t *testing.T) {
	f := newFixture(t, grantAll{})
	r := f.call(t, "get_config", "no/such/key")
	require.NotNil(t, r.Err)
	assert.Equal(t, busio.ErrorNameInvalidArgs, r.Err.Name)
}

func TestGetConfigAllCoversEveryKey(t *testing.T) {
	f := newFixture(t, grantAll{})
	r := f.call(t, "get_config_all")
	require.Nil(t, r.Err)
	require.Len(t, r.Body, 1)

	all, ok := r.Body[0].(map[string]dbus.Variant)
	require.True(t, ok)
	assert.Len(t, all, len(setting.DefaultSpecs()))
	assert.Equal(t, dbus.MakeVariant(int32(60)), all[setting.KeyDisplayBrightness])
}

func TestGetSuspendStats(t *testing.T) {
	f := newFixture(t, grantAll{})
	r := f.call(t, "get_suspend_stats")
	require.Nil(t, r.Err)
	require.Len(t, r.Body, 2)

	uptime, ok := r.Body[0].(uint64)
	require.True(t, ok)
	suspended, ok := r.Body[1].(uint64)
	require.True(t, ok)
	assert.Greater(t, uptime, uint64(0))
	assert.GreaterOrEqual(t, uptime, suspended)
}

func TestGetPipeNames(t *testing.T) {
	f := newFixture(t, grantAll{})
	r := f.call(t, "get_pipe_names")
	require.Nil(t, r.Err)
	require.Len(t, r.Body, 1)
	names, ok := r.Body[0].([]string)
	require.True(t, ok)
	assert.Contains(t, names, datapipe.PipeDisplayStateCurr)
}

func TestIntrospectListsSurface(t *testing.T) {
	f := newFixture(t, grantAll{})

	var replies []*busio.Reply
	m := busio.NewMethodCall(":1.7", dbus.ObjectPath(f.cfg.ObjectPath),
		"org.freedesktop.DBus.Introspectable", "Introspect",
		func(r *busio.Reply) { replies = append(replies, r) })
	f.router.Dispatch(m, busio.OriginLive)

	require.Len(t, replies, 1)
	require.Nil(t, replies[0].Err)
	xmlText, ok := replies[0].Body[0].(string)
	require.True(t, ok)
	assert.Contains(t, xmlText, "get_suspend_stats")
	assert.Contains(t, xmlText, "config_change")
	assert.Contains(t, xmlText, f.cfg.RequestInterface())
}
