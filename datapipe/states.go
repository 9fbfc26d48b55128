package datapipe

// Device-state enumerations carried by catalog pipes. Values are stable:
// they appear in logs, settings and on the bus.

// DisplayState is carried by the display-state pipes.
type DisplayState int

const (
	// DisplayUndef is the initial startup value
	DisplayUndef DisplayState = iota
	// DisplayOff means the display is powered down
	DisplayOff
	// DisplayDim means the display is powered but dimmed
	DisplayDim
	// DisplayOn means the display is fully on
	DisplayOn
)

// String returns the string representation of DisplayState
func (s DisplayState) String() string {
	switch s {
	case DisplayUndef:
		return "undefined"
	case DisplayOff:
		return "off"
	case DisplayDim:
		return "dimmed"
	case DisplayOn:
		return "on"
	default:
		return "unknown"
	}
}

// ServiceState is carried by the *-service-state pipes mirrored from peer
// tracking.
type ServiceState int

const (
	// ServiceUndef means the availability of the service is not yet known
	ServiceUndef ServiceState = iota
	// ServiceStopped means the tracked bus name has no owner
	ServiceStopped
	// ServiceRunning means the tracked bus name has a resolved owner
	ServiceRunning
)

// String returns the string representation of ServiceState
func (s ServiceState) String() string {
	switch s {
	case ServiceUndef:
		return "undefined"
	case ServiceStopped:
		return "stopped"
	case ServiceRunning:
		return "running"
	default:
		return "unknown"
	}
}

// CallState is carried by the call-state pipe.
type CallState int

const (
	// CallNone means no call activity
	CallNone CallState = iota
	// CallRinging means an incoming call is alerting
	CallRinging
	// CallActive means a call is ongoing
	CallActive
	// CallService means a service call (emergency callback mode) is ongoing
	CallService
)

// String returns the string representation of CallState
func (s CallState) String() string {
	switch s {
	case CallNone:
		return "none"
	case CallRinging:
		return "ringing"
	case CallActive:
		return "active"
	case CallService:
		return "service"
	default:
		return "unknown"
	}
}

// ChargerState is carried by the charger-state pipe.
type ChargerState int

const (
	// ChargerUndef is the initial startup value
	ChargerUndef ChargerState = iota
	// ChargerOff means no charger connected
	ChargerOff
	// ChargerOn means a charger is connected
	ChargerOn
)

// String returns the string representation of ChargerState
func (s ChargerState) String() string {
	switch s {
	case ChargerUndef:
		return "undefined"
	case ChargerOff:
		return "off"
	case ChargerOn:
		return "on"
	default:
		return "unknown"
	}
}

// SystemState is carried by the system-state pipe.
type SystemState int

const (
	// SystemUndef is the initial startup value
	SystemUndef SystemState = iota
	// SystemShutdown means the device is shutting down
	SystemShutdown
	// SystemUser means the device is in normal user mode
	SystemUser
	// SystemActdead means the device is in act-dead (charging-only) mode
	SystemActdead
	// SystemReboot means the device is rebooting
	SystemReboot
)

// String returns the string representation of SystemState
func (s SystemState) String() string {
	switch s {
	case SystemUndef:
		return "undefined"
	case SystemShutdown:
		return "shutdown"
	case SystemUser:
		return "user"
	case SystemActdead:
		return "actdead"
	case SystemReboot:
		return "reboot"
	default:
		return "unknown"
	}
}
