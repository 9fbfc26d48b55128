package service

import (
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sailfishos/statebus/busio"
	"github.com/sailfishos/statebus/config"
	"github.com/sailfishos/statebus/datapipe"
	"github.com/sailfishos/statebus/errors"
	"github.com/sailfishos/statebus/setting"
	"github.com/sailfishos/statebus/wakelock"
)

// Version is reported by get_version. Overridden at link time for release
// builds.
var Version = "1.0.0"

// Service wires the daemon's bus methods and signals.
type Service struct {
	cfg   *config.Config
	tr    busio.Transport
	store *setting.Store
	locks *wakelock.Manager
	pipes *datapipe.Catalog
	level *slog.LevelVar
	log   *slog.Logger
}

// New builds the service surface. The level var is the handler level of the
// process logger; set_verbosity adjusts it at runtime.
func New(cfg *config.Config, tr busio.Transport, store *setting.Store, locks *wakelock.Manager, pipes *datapipe.Catalog, level *slog.LevelVar, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:   cfg,
		tr:    tr,
		store: store,
		locks: locks,
		pipes: pipes,
		level: level,
		log:   log.With("component", "service"),
	}
}

// Register installs every method handler and hooks settings changes to the
// config_change broadcast.
func (s *Service) Register(reg *busio.Registry) error {
	methods := []busio.Entry{
		{Member: "get_version", Callback: s.getVersion},
		{Member: "get_verbosity", Callback: s.getVerbosity},
		{Member: "set_verbosity", Callback: s.setVerbosity, Privileged: true},
		{Member: "get_config", Callback: s.getConfig},
		{Member: "set_config", Callback: s.setConfig, Privileged: true},
		{Member: "reset_config", Callback: s.resetConfig, Privileged: true},
		{Member: "get_config_all", Callback: s.getConfigAll},
		{Member: "get_suspend_stats", Callback: s.getSuspendStats},
		{Member: "get_pipe_names", Callback: s.getPipeNames},
	}
	for _, e := range methods {
		e.Kind = busio.KindMethodCall
		e.Interface = s.cfg.RequestInterface()
		if _, err := reg.Register(e); err != nil {
			return errors.WrapRegistry(err, "Service", "Register", "method registration")
		}
	}

	_, err := reg.Register(busio.Entry{
		Kind:      busio.KindMethodCall,
		Interface: "org.freedesktop.DBus.Introspectable",
		Member:    "Introspect",
		Callback:  s.introspect,
	})
	if err != nil {
		return errors.WrapRegistry(err, "Service", "Register", "introspection registration")
	}

	for _, key := range s.store.Keys() {
		if _, err := s.store.Subscribe(key, s.broadcastChange); err != nil {
			return errors.WrapRegistry(err, "Service", "Register", "settings subscription")
		}
	}
	return nil
}

func (s *Service) getVersion(m *busio.Message) *busio.Reply {
	return busio.NewReply(Version)
}

func (s *Service) getVerbosity(m *busio.Message) *busio.Reply {
	return busio.NewReply(levelName(s.level.Level()))
}

func (s *Service) setVerbosity(m *busio.Message) *busio.Reply {
	name, ok := m.StringArg(0)
	if !ok {
		return busio.InvalidArgs(m.Member)
	}
	level, ok := levelByName(name)
	if !ok {
		return busio.InvalidArgs(m.Member)
	}
	s.level.Set(level)
	s.log.Info("log verbosity changed over the bus", "level", name, "sender", m.Sender)
	return nil
}

func (s *Service) getConfig(m *busio.Message) *busio.Reply {
	key, ok := m.StringArg(0)
	if !ok {
		return busio.InvalidArgs(m.Member)
	}
	v, err := s.store.Get(key)
	if err != nil {
		return busio.NewError(busio.ErrorNameInvalidArgs, "unknown settings key %s", key)
	}
	return busio.NewReply(dbus.MakeVariant(toWire(v)))
}

func (s *Service) setConfig(m *busio.Message) *busio.Reply {
	key, ok := m.StringArg(0)
	if !ok || len(m.Body) < 2 {
		return busio.InvalidArgs(m.Member)
	}
	if err := s.store.Set(key, fromWire(m.Body[1])); err != nil {
		return busio.NewError(busio.ErrorNameInvalidArgs, "cannot set %s: %v", key, err)
	}
	return nil
}

// resetConfig treats its argument as a key prefix so that a whole settings
// subtree can be restored at once; the reply carries the change count.
func (s *Service) resetConfig(m *busio.Message) *busio.Reply {
	prefix, ok := m.StringArg(0)
	if !ok {
		return busio.InvalidArgs(m.Member)
	}
	return busio.NewReply(int32(s.store.ResetPrefix(prefix)))
}

func (s *Service) getConfigAll(m *busio.Message) *busio.Reply {
	all := s.store.All()
	out := make(map[string]dbus.Variant, len(all))
	for k, v := range all {
		out[k] = dbus.MakeVariant(toWire(v))
	}
	return busio.NewReply(out)
}

func (s *Service) getSuspendStats(m *busio.Message) *busio.Reply {
	stats := s.locks.Stats()
	return busio.NewReply(
		uint64(stats.Uptime/time.Millisecond),
		uint64(stats.Suspended/time.Millisecond),
	)
}

func (s *Service) getPipeNames(m *busio.Message) *busio.Reply {
	return busio.NewReply(s.pipes.Names())
}

// broadcastChange mirrors a settings change to the bus.
func (s *Service) broadcastChange(key string, value any) {
	err := s.tr.Emit(dbus.ObjectPath(s.cfg.ObjectPath), s.cfg.SignalInterface(),
		"config_change", key, dbus.MakeVariant(toWire(value)))
	if err != nil {
		s.log.Warn("config change broadcast failed", "key", key, "error", err)
	}
}

// toWire converts a stored settings value to its bus representation.
func toWire(v any) any {
	if n, ok := v.(int); ok {
		return int32(n)
	}
	return v
}

// fromWire unwraps variants and widens bus integer types back to int.
func fromWire(v any) any {
	if variant, ok := v.(dbus.Variant); ok {
		v = variant.Value()
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint32:
		return int(n)
	case float64:
		return int(n)
	}
	return v
}

func levelName(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "debug"
	case l <= slog.LevelInfo:
		return "info"
	case l <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

func levelByName(name string) (slog.Level, bool) {
	switch name {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
