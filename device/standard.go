package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// MaxDescriptorResponseSize is the maximum size for descriptor responses.
const MaxDescriptorResponseSize = 4096

// LinkPower receives the host's SuperSpeed U1/U2 enables.
type LinkPower interface {
	SetU1U2Enable(u1, u2 bool)
}

// StandardRequestHandler handles standard USB device requests.
type StandardRequestHandler struct {
	device *Device
	power  LinkPower

	// The returned slice from HandleSetup references this buffer.
	responseBuf [MaxDescriptorResponseSize]byte
}

// NewStandardRequestHandler creates a new standard request handler. power
// may be nil when the device never runs at SuperSpeed.
func NewStandardRequestHandler(dev *Device, power LinkPower) *StandardRequestHandler {
	return &StandardRequestHandler{device: dev, power: power}
}

// HandleSetup processes a standard SETUP request. data holds the OUT data
// stage, if any. Returns the IN response data (may be nil) and an error;
// any error means the request is stalled.
func (h *StandardRequestHandler) HandleSetup(setup *hal.SetupPacket, data []byte) ([]byte, error) {
	if !setup.IsStandard() {
		return nil, pkg.ErrInvalidRequest
	}

	switch setup.Recipient() {
	case hal.RequestRecipientDevice:
		return h.handleDeviceRequest(setup, data)
	case hal.RequestRecipientInterface:
		return h.handleInterfaceRequest(setup)
	case hal.RequestRecipientEndpoint:
		return h.handleEndpointRequest(setup)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) handleDeviceRequest(setup *hal.SetupPacket, data []byte) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return h.getDeviceStatus(setup)
	case RequestClearFeature:
		return nil, h.deviceFeature(setup, false)
	case RequestSetFeature:
		return nil, h.deviceFeature(setup, true)
	case RequestSetAddress:
		return nil, h.setAddress(setup)
	case RequestGetDescriptor:
		return h.getDescriptor(setup)
	case RequestSetDescriptor:
		return nil, pkg.ErrNotSupported
	case RequestGetConfiguration:
		h.responseBuf[0] = h.device.Configuration()
		return h.responseBuf[:1], nil
	case RequestSetConfiguration:
		return nil, h.device.SetConfiguration(uint8(setup.Value))
	case RequestSetSel:
		return nil, h.setSel(setup, data)
	case RequestSetIsochDelay:
		if setup.Length != 0 || setup.Index != 0 {
			return nil, pkg.ErrInvalidRequest
		}
		h.device.SetIsochDelay(setup.Value)
		return nil, nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) handleInterfaceRequest(setup *hal.SetupPacket) ([]byte, error) {
	iface := uint8(setup.Index)
	switch setup.Request {
	case RequestGetStatus:
		if setup.Length < 2 {
			return nil, pkg.ErrInvalidRequest
		}
		if _, err := h.device.Alternate(iface); err != nil {
			return nil, err
		}
		return putStatus(h.responseBuf[:], 0), nil
	case RequestClearFeature, RequestSetFeature:
		// FUNCTION_SUSPEND is the only interface feature; accepted
		// without a function-level power model.
		if setup.Value != FeatureFunctionSuspend {
			return nil, pkg.ErrInvalidRequest
		}
		if _, err := h.device.Alternate(iface); err != nil {
			return nil, err
		}
		return nil, nil
	case RequestGetInterface:
		alt, err := h.device.Alternate(iface)
		if err != nil {
			return nil, err
		}
		h.responseBuf[0] = alt
		return h.responseBuf[:1], nil
	case RequestSetInterface:
		return nil, h.device.SetAlternate(iface, uint8(setup.Value))
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) handleEndpointRequest(setup *hal.SetupPacket) ([]byte, error) {
	addr := uint8(setup.Index)
	switch setup.Request {
	case RequestGetStatus:
		if setup.Length < 2 {
			return nil, pkg.ErrInvalidRequest
		}
		halted, err := h.device.IsHalted(addr)
		if err != nil {
			return nil, err
		}
		var status uint16
		if halted {
			status = 1
		}
		return putStatus(h.responseBuf[:], status), nil
	case RequestClearFeature, RequestSetFeature:
		if setup.Value != FeatureEndpointHalt {
			return nil, pkg.ErrInvalidRequest
		}
		return nil, h.device.SetHalt(addr, setup.Request == RequestSetFeature)
	case RequestSynchFrame:
		// Frame numbers are owned by the SIE; isochronous endpoints
		// answer with frame 0.
		if setup.Length < 2 || !h.device.isIsochronous(addr) {
			return nil, pkg.ErrInvalidRequest
		}
		return putStatus(h.responseBuf[:], 0), nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) getDeviceStatus(setup *hal.SetupPacket) ([]byte, error) {
	if setup.Length < 2 {
		return nil, pkg.ErrInvalidRequest
	}
	return putStatus(h.responseBuf[:], uint16(h.device.GetStatus())), nil
}

// deviceFeature handles SET_FEATURE / CLEAR_FEATURE on the device.
func (h *StandardRequestHandler) deviceFeature(setup *hal.SetupPacket, on bool) error {
	switch setup.Value {
	case FeatureDeviceRemoteWakeup:
		h.device.EnableRemoteWakeup(on)
		return nil
	case FeatureU1Enable, FeatureU2Enable, FeatureLTMEnable:
		if h.device.Speed() != hal.SpeedSuper || !h.device.IsConfigured() {
			return fmt.Errorf("feature %d: %w", setup.Value, pkg.ErrInvalidState)
		}
		u1, u2 := h.device.setPowerFeature(setup.Value, on)
		if h.power != nil && setup.Value != FeatureLTMEnable {
			h.power.SetU1U2Enable(u1, u2)
		}
		pkg.LogDebug(pkg.ComponentDevice, "link power feature", "feature", setup.Value, "on", on, "u1", u1, "u2", u2)
		return nil
	case FeatureTestMode:
		return pkg.ErrNotSupported
	default:
		return pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) setAddress(setup *hal.SetupPacket) error {
	if setup.Index != 0 || setup.Length != 0 {
		return pkg.ErrInvalidRequest
	}
	return h.device.SetAddress(uint8(setup.Value))
}

func (h *StandardRequestHandler) setSel(setup *hal.SetupPacket, data []byte) error {
	if setup.Length != SetSelSize || len(data) < SetSelSize {
		return fmt.Errorf("set sel with %d bytes: %w", len(data), pkg.ErrInvalidRequest)
	}
	h.device.SetExitLatency(ExitLatency{
		U1SEL: data[0],
		U1PEL: data[1],
		U2SEL: binary.LittleEndian.Uint16(data[2:4]),
		U2PEL: binary.LittleEndian.Uint16(data[4:6]),
	})
	return nil
}

func (h *StandardRequestHandler) getDescriptor(setup *hal.SetupPacket) ([]byte, error) {
	n, err := h.device.Descriptors().Lookup(h.device.Speed(),
		setup.DescriptorType(), setup.DescriptorIndex(), h.responseBuf[:])
	if err != nil {
		return nil, err
	}
	if n > int(setup.Length) {
		n = int(setup.Length)
	}
	return h.responseBuf[:n], nil
}
