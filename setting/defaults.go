package setting

// Canonical settings keys exposed through the bus configuration methods.
const (
	KeyDisplayBrightness   = "display/brightness"
	KeyDisplayBlankTimeout = "display/blank_timeout"
	KeyDisplayLowPowerMode = "display/low_power_mode"
	KeyDisplayALSEnabled   = "display/als_enabled"
	KeyDoubleTapWakeup     = "touch/double_tap_wakeup"
	KeyInactivityDelay     = "session/inactivity_delay"
)

// DefaultSpecs declares the daemon's settings keys with their defaults and
// integer ranges.
func DefaultSpecs() []Spec {
	return []Spec{
		{Key: KeyDisplayBrightness, Type: TypeInt, Default: 60, Min: 1, Max: 100},
		{Key: KeyDisplayBlankTimeout, Type: TypeInt, Default: 30, Min: 0, Max: 600},
		{Key: KeyDisplayLowPowerMode, Type: TypeBool, Default: false},
		{Key: KeyDisplayALSEnabled, Type: TypeBool, Default: true},
		{Key: KeyDoubleTapWakeup, Type: TypeBool, Default: true},
		{Key: KeyInactivityDelay, Type: TypeInt, Default: 30, Min: 5, Max: 600},
	}
}
