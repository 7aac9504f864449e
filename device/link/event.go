package link

import (
	"fmt"

	"github.com/ardnew/fx3usb/device/hal"
)

// EventKind identifies an application-visible link event.
type EventKind uint8

// Application events.
const (
	EventConnect EventKind = iota + 1
	EventDisconnect
	EventReset
	EventSuspend
	EventResume
	EventSpeedChange
	EventSetupReceived
	EventStatusComplete
	EventLinkRecovery
	EventComplianceEntry
	EventComplianceExit
	EventEndpointUnderrun
	EventUsb3LinkTrainingFailed
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "Connect"
	case EventDisconnect:
		return "Disconnect"
	case EventReset:
		return "Reset"
	case EventSuspend:
		return "Suspend"
	case EventResume:
		return "Resume"
	case EventSpeedChange:
		return "SpeedChange"
	case EventSetupReceived:
		return "SetupReceived"
	case EventStatusComplete:
		return "StatusComplete"
	case EventLinkRecovery:
		return "LinkRecovery"
	case EventComplianceEntry:
		return "ComplianceEntry"
	case EventComplianceExit:
		return "ComplianceExit"
	case EventEndpointUnderrun:
		return "EndpointUnderrun"
	case EventUsb3LinkTrainingFailed:
		return "Usb3LinkTrainingFailed"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is delivered to the application on every logical link transition.
type Event struct {
	Kind EventKind

	// Speed is set for Connect and SpeedChange.
	Speed hal.Speed

	// Endpoint is set for EndpointUnderrun (USB address form, IN has bit 7).
	Endpoint uint8

	// Attempts is the SuperSpeed failure count for Usb3LinkTrainingFailed.
	Attempts int
}

// String formats the event for logs.
func (e Event) String() string {
	switch e.Kind {
	case EventConnect, EventSpeedChange:
		return fmt.Sprintf("%v(%v)", e.Kind, e.Speed)
	case EventEndpointUnderrun:
		return fmt.Sprintf("%v(0x%02X)", e.Kind, e.Endpoint)
	case EventUsb3LinkTrainingFailed:
		return fmt.Sprintf("%v(%d)", e.Kind, e.Attempts)
	default:
		return e.Kind.String()
	}
}

// EventHandler receives application events. It is called from the event
// loop and must not block for long.
type EventHandler interface {
	HandleEvent(ev Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f EventHandlerFunc) HandleEvent(ev Event) { f(ev) }

// SetupHandler receives every SETUP packet. It returns true when it has
// handled the request (including any data and status stage through the
// EP0 methods of Link). Unhandled requests are stalled.
type SetupHandler interface {
	HandleSetup(pkt *hal.SetupPacket) bool
}

// SetupHandlerFunc adapts a function to SetupHandler.
type SetupHandlerFunc func(pkt *hal.SetupPacket) bool

// HandleSetup calls f(pkt).
func (f SetupHandlerFunc) HandleSetup(pkt *hal.SetupPacket) bool { return f(pkt) }
