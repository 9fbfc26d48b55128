package service

import (
	"encoding/xml"

	"github.com/godbus/dbus/v5/introspect"

	"github.com/sailfishos/statebus/busio"
)

// introspect answers org.freedesktop.DBus.Introspectable.Introspect with
// the daemon's method and signal surface.
func (s *Service) introspect(m *busio.Message) *busio.Reply {
	node := &introspect.Node{
		Name: s.cfg.ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: s.cfg.RequestInterface(),
				Methods: []introspect.Method{
					{Name: "get_version", Args: []introspect.Arg{
						{Name: "version", Type: "s", Direction: "out"},
					}},
					{Name: "get_verbosity", Args: []introspect.Arg{
						{Name: "level", Type: "s", Direction: "out"},
					}},
					{Name: "set_verbosity", Args: []introspect.Arg{
						{Name: "level", Type: "s", Direction: "in"},
					}},
					{Name: "get_config", Args: []introspect.Arg{
						{Name: "key", Type: "s", Direction: "in"},
						{Name: "value", Type: "v", Direction: "out"},
					}},
					{Name: "set_config", Args: []introspect.Arg{
						{Name: "key", Type: "s", Direction: "in"},
						{Name: "value", Type: "v", Direction: "in"},
					}},
					{Name: "reset_config", Args: []introspect.Arg{
						{Name: "prefix", Type: "s", Direction: "in"},
						{Name: "count", Type: "i", Direction: "out"},
					}},
					{Name: "get_config_all", Args: []introspect.Arg{
						{Name: "values", Type: "a{sv}", Direction: "out"},
					}},
					{Name: "get_suspend_stats", Args: []introspect.Arg{
						{Name: "uptime_ms", Type: "t", Direction: "out"},
						{Name: "suspend_ms", Type: "t", Direction: "out"},
					}},
					{Name: "get_pipe_names", Args: []introspect.Arg{
						{Name: "names", Type: "as", Direction: "out"},
					}},
				},
			},
			{
				Name: s.cfg.SignalInterface(),
				Signals: []introspect.Signal{
					{Name: "config_change", Args: []introspect.Arg{
						{Name: "key", Type: "s"},
						{Name: "value", Type: "v"},
					}},
				},
			},
		},
	}

	raw, err := xml.MarshalIndent(node, "", "  ")
	if err != nil {
		s.log.Error("introspection serialization failed", "error", err)
		return busio.NewError(busio.ErrorNameFailed, "introspection unavailable")
	}
	return busio.NewReply(introspect.IntrospectDeclarationString + string(raw))
}
