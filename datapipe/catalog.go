package datapipe

import (
	"log/slog"
	"sort"

	"github.com/sailfishos/statebus/errors"
	"github.com/sailfishos/statebus/eventloop"
	"github.com/sailfishos/statebus/metric"
)

// Well-known pipe names. The catalog is the fixed set of pipes the daemon
// exposes; it is established once at process start and never changed at
// runtime.
const (
	PipeDisplayStateCurr    = "display-state-curr"
	PipeDisplayStateRequest = "display-state-request"
	PipeDisplayStateNext    = "display-state-next"
	PipeDisplayBrightness   = "display-brightness"
	PipeCallState           = "call-state"
	PipeChargerState        = "charger-state"
	PipeBatteryLevel        = "battery-level"
	PipeSystemState         = "system-state"
	PipeSubmode             = "submode"
	PipeInitDone            = "init-done"
	PipeHeartbeatEvent      = "heartbeat-event"
	PipeUSBCableState       = "usb-cable-state"
	PipeInactivityDelay     = "inactivity-delay"
	PipeKeypressEvent       = "keypress-event"
	PipeTouchscreenEvent    = "touchscreen-event"

	PipeCompositorService = "compositor-service-state"
	PipeDevicelockService = "devicelock-service-state"
	PipeUSBModedService   = "usbmoded-service-state"
)

// Catalog is the pipe registry: every pipe the daemon exposes, owned for the
// process lifetime.
type Catalog struct {
	DisplayStateCurr    *Pipe
	DisplayStateRequest *Pipe
	DisplayStateNext    *Pipe
	DisplayBrightness   *Pipe
	CallState           *Pipe
	ChargerState        *Pipe
	BatteryLevel        *Pipe
	SystemState         *Pipe
	Submode             *Pipe
	InitDone            *Pipe
	HeartbeatEvent      *Pipe
	USBCableState       *Pipe
	InactivityDelay     *Pipe
	KeypressEvent       *Pipe
	TouchscreenEvent    *Pipe

	CompositorService *Pipe
	DevicelockService *Pipe
	USBModedService   *Pipe

	byName map[string]*Pipe
}

// NewCatalog builds the fixed pipe set. Caching policy and filtering
// permission per pipe follow the catalog declaration; pipes without an
// explicit cache policy use DefaultCachePolicy.
func NewCatalog(loop *eventloop.Loop, log *slog.Logger, m *metric.Metrics) *Catalog {
	c := &Catalog{byName: make(map[string]*Pipe)}

	add := func(dst **Pipe, cfg Config) {
		p := New(cfg, loop, log, m)
		*dst = p
		c.byName[cfg.Name] = p
	}

	// Display pipes. The request pipe is filtered: policy modules veto or
	// rewrite requested states; it caches the filtered outcome.
	add(&c.DisplayStateCurr, Config{
		Name:    PipeDisplayStateCurr,
		Cache:   DefaultCachePolicy,
		Initial: Enum(DisplayUndef),
	})
	add(&c.DisplayStateRequest, Config{
		Name:      PipeDisplayStateRequest,
		Filtering: true,
		Cache:     CacheOutput,
		Initial:   Enum(DisplayUndef),
	})
	add(&c.DisplayStateNext, Config{
		Name:    PipeDisplayStateNext,
		Cache:   DefaultCachePolicy,
		Initial: Enum(DisplayUndef),
	})
	add(&c.DisplayBrightness, Config{
		Name:      PipeDisplayBrightness,
		Filtering: true,
		Cache:     CacheOutput,
		Initial:   Int(3),
	})

	add(&c.CallState, Config{
		Name:      PipeCallState,
		Filtering: true,
		Cache:     CacheInput,
		Initial:   Enum(CallNone),
	})
	add(&c.ChargerState, Config{
		Name:    PipeChargerState,
		Cache:   DefaultCachePolicy,
		Initial: Enum(ChargerUndef),
	})
	add(&c.BatteryLevel, Config{
		Name:    PipeBatteryLevel,
		Cache:   DefaultCachePolicy,
		Initial: Int(-1),
	})
	add(&c.SystemState, Config{
		Name:    PipeSystemState,
		Cache:   DefaultCachePolicy,
		Initial: Enum(SystemUndef),
	})
	// Submode is a bitmask of transitional daemon modes; writers OR and
	// clear bits through read-modify-write on the loop.
	add(&c.Submode, Config{
		Name:    PipeSubmode,
		Cache:   DefaultCachePolicy,
		Initial: Int(0),
	})
	add(&c.InitDone, Config{
		Name:    PipeInitDone,
		Cache:   DefaultCachePolicy,
		Initial: Bool(false),
	})
	add(&c.USBCableState, Config{
		Name:    PipeUSBCableState,
		Cache:   DefaultCachePolicy,
		Initial: Bool(false),
	})
	add(&c.InactivityDelay, Config{
		Name:    PipeInactivityDelay,
		Cache:   DefaultCachePolicy,
		Initial: Int(30),
	})

	// Pure event channels: nothing is cached, the carried value is borrowed
	// from the producer for the duration of the write.
	add(&c.HeartbeatEvent, Config{
		Name:  PipeHeartbeatEvent,
		Cache: CacheNothing,
	})
	add(&c.KeypressEvent, Config{
		Name:  PipeKeypressEvent,
		Cache: CacheNothing,
	})
	add(&c.TouchscreenEvent, Config{
		Name:  PipeTouchscreenEvent,
		Cache: CacheNothing,
	})

	// Service availability mirrors, fed by peer tracking.
	add(&c.CompositorService, Config{
		Name:    PipeCompositorService,
		Cache:   DefaultCachePolicy,
		Initial: Enum(ServiceUndef),
	})
	add(&c.DevicelockService, Config{
		Name:    PipeDevicelockService,
		Cache:   DefaultCachePolicy,
		Initial: Enum(ServiceUndef),
	})
	add(&c.USBModedService, Config{
		Name:    PipeUSBModedService,
		Cache:   DefaultCachePolicy,
		Initial: Enum(ServiceUndef),
	})

	return c
}

// Lookup returns the pipe with the given name.
func (c *Catalog) Lookup(name string) (*Pipe, error) {
	p, ok := c.byName[name]
	if !ok {
		return nil, errors.WrapRegistry(errors.ErrUnknownPipe, "Catalog", "Lookup", "name lookup")
	}
	return p, nil
}

// Names returns the sorted names of all catalog pipes, for introspection.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
