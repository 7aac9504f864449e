package hal

import "fmt"

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants.
const (
	SpeedNotConnected Speed = iota // Not connected or unknown
	SpeedFull                      // Full Speed (12 Mbit/s)
	SpeedHigh                      // High Speed (480 Mbit/s)
	SpeedSuper                     // SuperSpeed (5 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedNotConnected:
		return "NotConnected"
	case SpeedFull:
		return "FullSpeed"
	case SpeedHigh:
		return "HighSpeed"
	case SpeedSuper:
		return "SuperSpeed"
	default:
		return fmt.Sprintf("Speed(%d)", uint8(s))
	}
}

// MaxPacketSize0 returns the control endpoint packet size at this speed.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedSuper:
		return 512
	case SpeedHigh, SpeedFull:
		return 64
	default:
		return 0
	}
}

// LinkState is the SuperSpeed LTSSM state as encoded in the link layer's
// state register.
type LinkState uint8

// LTSSM states.
const (
	LinkSSDisabled        LinkState = 0x00
	LinkRxDetectReset     LinkState = 0x01
	LinkRxDetectActive    LinkState = 0x02
	LinkRxDetectQuiet     LinkState = 0x03
	LinkSSInactiveQuiet   LinkState = 0x04
	LinkSSInactiveDetect  LinkState = 0x05
	LinkHotResetActive    LinkState = 0x06
	LinkHotResetExit      LinkState = 0x07
	LinkPollingLFPS       LinkState = 0x08
	LinkPollingRxEQ       LinkState = 0x09
	LinkPollingActive     LinkState = 0x0A
	LinkPollingConfig     LinkState = 0x0B
	LinkPollingIdle       LinkState = 0x0C
	LinkU0                LinkState = 0x0D
	LinkU1                LinkState = 0x0E
	LinkU2                LinkState = 0x0F
	LinkU3                LinkState = 0x10
	LinkLoopbackActive    LinkState = 0x11
	LinkLoopbackExit      LinkState = 0x12
	LinkCompliance        LinkState = 0x16
	LinkRecoveryActive    LinkState = 0x17
	LinkRecoveryConfig    LinkState = 0x18
	LinkRecoveryIdle      LinkState = 0x19
	linkStateFieldMaximum LinkState = 0x3F
)

// InConnectedRange reports whether s lies in the stable [U0, Compliance]
// range. Anything outside it is treated as potential disconnect.
func (s LinkState) InConnectedRange() bool {
	return s >= LinkU0 && s <= LinkCompliance
}

// IsLowPower reports whether s is U1 or U2.
func (s LinkState) IsLowPower() bool {
	return s == LinkU1 || s == LinkU2
}

// IsRecovery reports whether s is one of the Recovery sub-states.
func (s LinkState) IsRecovery() bool {
	return s >= LinkRecoveryActive && s <= LinkRecoveryIdle
}

// IsPolling reports whether s is one of the Polling sub-states.
func (s LinkState) IsPolling() bool {
	return s >= LinkPollingLFPS && s <= LinkPollingIdle
}

// String returns the LTSSM state name.
func (s LinkState) String() string {
	switch s {
	case LinkSSDisabled:
		return "SS.Disabled"
	case LinkRxDetectReset:
		return "RxDetect.Reset"
	case LinkRxDetectActive:
		return "RxDetect.Active"
	case LinkRxDetectQuiet:
		return "RxDetect.Quiet"
	case LinkSSInactiveQuiet:
		return "SS.Inactive.Quiet"
	case LinkSSInactiveDetect:
		return "SS.Inactive.Disconnect.Detect"
	case LinkHotResetActive:
		return "HotReset.Active"
	case LinkHotResetExit:
		return "HotReset.Exit"
	case LinkPollingLFPS:
		return "Polling.LFPS"
	case LinkPollingRxEQ:
		return "Polling.RxEQ"
	case LinkPollingActive:
		return "Polling.Active"
	case LinkPollingConfig:
		return "Polling.Configuration"
	case LinkPollingIdle:
		return "Polling.Idle"
	case LinkU0:
		return "U0"
	case LinkU1:
		return "U1"
	case LinkU2:
		return "U2"
	case LinkU3:
		return "U3"
	case LinkLoopbackActive:
		return "Loopback.Active"
	case LinkLoopbackExit:
		return "Loopback.Exit"
	case LinkCompliance:
		return "Compliance"
	case LinkRecoveryActive:
		return "Recovery.Active"
	case LinkRecoveryConfig:
		return "Recovery.Configuration"
	case LinkRecoveryIdle:
		return "Recovery.Idle"
	default:
		return fmt.Sprintf("LinkState(0x%02X)", uint8(s))
	}
}

// ParseLinkState returns the state with the given name, as produced by
// String. It is used by scripted simulations.
func ParseLinkState(name string) (LinkState, bool) {
	for s := LinkState(0); s <= linkStateFieldMaximum; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}
