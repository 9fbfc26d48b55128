package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sailfishos/statebus/errors"
)

// Defaults for a stock device image.
const (
	DefaultBusName     = "org.sailfishos.statebus"
	DefaultObjectPath  = "/org/sailfishos/statebus"
	DefaultSettings    = "/var/lib/statebus/settings.json"
	DefaultWakeLock    = "/sys/power/wake_lock"
	DefaultWakeUnlock  = "/sys/power/wake_unlock"
	DefaultProxyExec   = "/usr/bin/xdg-dbus-proxy"
	DefaultIdentifySvc = "org.sailfishos.sailjailed"
)

// Config is the complete daemon configuration.
type Config struct {
	// BusName is the well-known service name to claim.
	BusName string `json:"bus_name"`

	// ObjectPath is the object the daemon's methods live under.
	ObjectPath string `json:"object_path"`

	// PrivilegedUID and PrivilegedGID are granted privileged access
	// alongside root.
	PrivilegedUID uint32 `json:"privileged_uid"`
	PrivilegedGID uint32 `json:"privileged_gid"`

	// ProxyExecPath marks sandbox bus proxies during peer
	// identification; empty disables detection.
	ProxyExecPath string `json:"proxy_exec_path"`

	// IdentifyService is the interface of the Identify method used to
	// unmask proxied peers; the call is addressed to the proxy peer
	// itself. Empty disables the detour.
	IdentifyService string `json:"identify_service"`

	// SettingsPath is the persistent settings file.
	SettingsPath string `json:"settings_path"`

	// WakeLockPath and WakeUnlockPath are the kernel suspend controls.
	WakeLockPath   string `json:"wake_lock_path"`
	WakeUnlockPath string `json:"wake_unlock_path"`

	// MetricsAddr serves Prometheus metrics when non-empty
	// (e.g. "127.0.0.1:9090").
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// PeerDeleteDelay is how long a stopped private peer record lingers.
	PeerDeleteDelay Duration `json:"peer_delete_delay,omitempty"`

	// Verbosity is the initial log level: debug, info, warn or error.
	Verbosity string `json:"verbosity,omitempty"`
}

// Duration is a time.Duration that marshals as a string ("5s").
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BusName:         DefaultBusName,
		ObjectPath:      DefaultObjectPath,
		PrivilegedUID:   1002,
		PrivilegedGID:   1002,
		ProxyExecPath:   DefaultProxyExec,
		IdentifyService: DefaultIdentifySvc,
		SettingsPath:    DefaultSettings,
		WakeLockPath:    DefaultWakeLock,
		WakeUnlockPath:  DefaultWakeUnlock,
		PeerDeleteDelay: Duration(5 * time.Second),
		Verbosity:       "info",
	}
}

// Load reads a JSON config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "Load", "file read")
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "Load", "file parse")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	fail := func(detail string) error {
		return errors.Wrap(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, detail),
			"Config", "Validate", "consistency check")
	}
	if c.BusName == "" {
		return fail("bus_name must not be empty")
	}
	if !strings.HasPrefix(c.ObjectPath, "/") {
		return fail("object_path must be absolute")
	}
	if c.SettingsPath == "" {
		return fail("settings_path must not be empty")
	}
	if c.PeerDeleteDelay < 0 {
		return fail("peer_delete_delay must not be negative")
	}
	switch c.Verbosity {
	case "", "debug", "info", "warn", "error":
	default:
		return fail("verbosity must be debug, info, warn or error")
	}
	if c.IdentifyService != "" && c.ProxyExecPath == "" {
		return fail("identify_service requires proxy_exec_path")
	}
	return nil
}

// RequestInterface is the method namespace clients call.
func (c *Config) RequestInterface() string {
	return c.BusName + ".request"
}

// SignalInterface is the namespace of broadcast signals.
func (c *Config) SignalInterface() string {
	return c.BusName + ".signal"
}
