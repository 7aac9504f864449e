package device

import "fmt"

// Maximum limits for fixed-size arrays.
const (
	// MaxInterfaces is the maximum number of interfaces tracked in the
	// active configuration.
	MaxInterfaces = 16

	// MaxEndpointAddresses is the number of possible endpoint addresses
	// (0x00-0x0F OUT and 0x80-0x8F IN).
	MaxEndpointAddresses = 32

	// MaxControlDataSize is the largest control data stage the stack
	// buffers.
	MaxControlDataSize = 512
)

// Standard USB request codes (USB 3.2 Spec Table 9-5).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
	RequestSetSel           = 0x30
	RequestSetIsochDelay    = 0x31
)

// Feature selectors (USB 3.2 Spec Table 9-7).
const (
	FeatureEndpointHalt       = 0  // endpoint
	FeatureFunctionSuspend    = 0  // interface
	FeatureDeviceRemoteWakeup = 1  // device
	FeatureTestMode           = 2  // device
	FeatureU1Enable           = 48 // device, SuperSpeed only
	FeatureU2Enable           = 49 // device, SuperSpeed only
	FeatureLTMEnable          = 50 // device, SuperSpeed only
)

// SetSelSize is the length of the SET_SEL data stage.
const SetSelSize = 6

// Device states as defined in USB 2.0 specification section 9.1.
const (
	StateAttached   State = 0 // Device is attached but not powered
	StatePowered    State = 1 // Device is powered
	StateDefault    State = 2 // Device has been reset, using default address
	StateAddress    State = 3 // Device has been assigned a unique address
	StateConfigured State = 4 // Device is configured and operational
	StateSuspended  State = 5 // Device is in suspend mode
)

// State represents USB device state.
type State uint8

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateAttached:
		return "Attached"
	case StatePowered:
		return "Powered"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	case StateSuspended:
		return "Suspended"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// endpointIndex converts an endpoint address to an array index.
func endpointIndex(addr uint8) int {
	// OUT endpoints: 0x00-0x0F -> 0-15
	// IN endpoints: 0x80-0x8F -> 16-31
	if addr&0x80 != 0 {
		return int(addr&0x0F) + 16
	}
	return int(addr & 0x0F)
}
