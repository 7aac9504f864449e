package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// Device represents a USB device: its descriptor set and the chapter 9
// state the host drives through standard requests.
type Device struct {
	descriptors *Descriptors

	state         State
	previousState State
	address       uint8
	speed         hal.Speed

	active     configInfo
	configured bool
	alternates [MaxInterfaces]uint8
	halted     [MaxEndpointAddresses]bool

	remoteWakeupEnabled bool
	u1Enabled           bool
	u2Enabled           bool
	ltmEnabled          bool
	sel                 ExitLatency
	isochDelay          uint16

	mutex sync.RWMutex

	onStateChange      func(old, new State)
	onReset            func()
	onSuspend          func()
	onResume           func()
	onSetAddress       func(address uint8)
	onSetConfiguration func(config uint8)
	onSetInterface     func(iface, alt uint8)
}

// ExitLatency holds the system exit latencies the host reports with
// SET_SEL, in microseconds.
type ExitLatency struct {
	U1SEL uint8
	U1PEL uint8
	U2SEL uint16
	U2PEL uint16
}

// NewDevice creates a device serving descs. A nil set starts empty.
func NewDevice(descs *Descriptors) *Device {
	if descs == nil {
		descs = NewDescriptors()
	}
	return &Device{
		descriptors: descs,
		state:       StateAttached,
	}
}

// Descriptors returns the device's descriptor set.
func (d *Device) Descriptors() *Descriptors {
	return d.descriptors
}

// State returns the current device state.
func (d *Device) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// setState changes the device state and calls the state change callback.
func (d *Device) setState(newState State) {
	d.mutex.Lock()
	oldState := d.state
	d.state = newState
	callback := d.onStateChange
	d.mutex.Unlock()

	if oldState == newState {
		return
	}
	pkg.LogDebug(pkg.ComponentDevice, "state change",
		"old", oldState.String(),
		"new", newState.String())
	if callback != nil {
		callback(oldState, newState)
	}
}

// Address returns the current device address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Speed returns the current connection speed.
func (d *Device) Speed() hal.Speed {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.speed
}

// SetSpeed sets the connection speed.
func (d *Device) SetSpeed(speed hal.Speed) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.speed = speed
}

// IsConfigured returns true if the device is configured.
func (d *Device) IsConfigured() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state == StateConfigured
}

// IsSuspended returns true if the device is suspended.
func (d *Device) IsSuspended() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state == StateSuspended
}

// Attach marks the device as powered at the given speed.
func (d *Device) Attach(speed hal.Speed) {
	d.SetSpeed(speed)
	d.setState(StatePowered)
}

// Detach returns the device to the attached state and forgets every
// host-assigned setting.
func (d *Device) Detach() {
	d.clearSession()
	d.mutex.Lock()
	d.speed = hal.SpeedNotConnected
	d.mutex.Unlock()
	d.setState(StateAttached)
}

func (d *Device) clearSession() {
	d.mutex.Lock()
	d.address = 0
	d.active = configInfo{}
	d.configured = false
	d.alternates = [MaxInterfaces]uint8{}
	d.halted = [MaxEndpointAddresses]bool{}
	d.remoteWakeupEnabled = false
	d.u1Enabled = false
	d.u2Enabled = false
	d.ltmEnabled = false
	d.sel = ExitLatency{}
	d.isochDelay = 0
	d.mutex.Unlock()
}

// Reset handles a bus reset (USB 2.0) or warm / hot reset (SuperSpeed).
func (d *Device) Reset() {
	d.clearSession()
	d.mutex.Lock()
	callback := d.onReset
	d.mutex.Unlock()

	d.setState(StateDefault)

	if callback != nil {
		callback()
	}

	pkg.LogDebug(pkg.ComponentDevice, "device reset")
}

// SetAddress handles SET_ADDRESS request.
func (d *Device) SetAddress(address uint8) error {
	if address > 127 {
		return fmt.Errorf("address %d: %w", address, pkg.ErrInvalidRequest)
	}
	d.mutex.Lock()
	if d.state != StateDefault && d.state != StateAddress {
		state := d.state
		d.mutex.Unlock()
		return fmt.Errorf("set address in %v: %w", state, pkg.ErrInvalidState)
	}
	d.address = address
	callback := d.onSetAddress
	d.mutex.Unlock()

	if address == 0 {
		d.setState(StateDefault)
	} else {
		d.setState(StateAddress)
	}

	if callback != nil {
		callback(address)
	}

	pkg.LogDebug(pkg.ComponentDevice, "device address set",
		"address", address)

	return nil
}

// SetConfiguration handles SET_CONFIGURATION request. The configuration
// descriptor registered for the current speed must carry value.
func (d *Device) SetConfiguration(value uint8) error {
	d.mutex.Lock()
	if d.state != StateAddress && d.state != StateConfigured {
		state := d.state
		d.mutex.Unlock()
		return fmt.Errorf("set configuration in %v: %w", state, pkg.ErrInvalidState)
	}
	speed := d.speed

	if value == 0 {
		d.active = configInfo{}
		d.configured = false
		d.halted = [MaxEndpointAddresses]bool{}
		d.mutex.Unlock()
		d.setState(StateAddress)
		return nil
	}
	d.mutex.Unlock()

	var info configInfo
	if err := parseConfigInfo(d.descriptors.Config(speed), &info); err != nil {
		return fmt.Errorf("configuration at %v: %w", speed, err)
	}
	if info.value != value {
		return fmt.Errorf("configuration %d: %w", value, pkg.ErrInvalidRequest)
	}

	d.mutex.Lock()
	d.active = info
	d.configured = true
	d.alternates = [MaxInterfaces]uint8{}
	d.halted = [MaxEndpointAddresses]bool{}
	callback := d.onSetConfiguration
	d.mutex.Unlock()

	d.setState(StateConfigured)

	if callback != nil {
		callback(value)
	}

	pkg.LogDebug(pkg.ComponentDevice, "device configured",
		"configuration", value,
		"interfaces", info.interfaces,
		"max_power_ma", maxPowerMilliamps(speed, info.maxPower),
		"speed", speed)

	return nil
}

// Configuration returns the active configuration value, or 0.
func (d *Device) Configuration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if !d.configured {
		return 0
	}
	return d.active.value
}

// Suspend handles USB suspend.
func (d *Device) Suspend() {
	d.mutex.Lock()
	if d.state == StateSuspended {
		d.mutex.Unlock()
		return
	}
	d.previousState = d.state
	callback := d.onSuspend
	d.mutex.Unlock()

	d.setState(StateSuspended)

	if callback != nil {
		callback()
	}

	pkg.LogDebug(pkg.ComponentDevice, "device suspended")
}

// Resume handles USB resume.
func (d *Device) Resume() {
	d.mutex.Lock()
	if d.state != StateSuspended {
		d.mutex.Unlock()
		return
	}
	previousState := d.previousState
	callback := d.onResume
	d.mutex.Unlock()

	if previousState != StateAttached && previousState != StatePowered {
		d.setState(previousState)
	} else {
		d.setState(StateDefault)
	}

	if callback != nil {
		callback()
	}

	pkg.LogDebug(pkg.ComponentDevice, "device resumed")
}

// EnableRemoteWakeup enables remote wakeup capability.
func (d *Device) EnableRemoteWakeup(enabled bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.remoteWakeupEnabled = enabled
}

// IsRemoteWakeupEnabled returns true if remote wakeup is enabled.
func (d *Device) IsRemoteWakeupEnabled() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.remoteWakeupEnabled
}

// setPowerFeature records a SuperSpeed U1_ENABLE / U2_ENABLE / LTM_ENABLE
// feature and returns the resulting U1 and U2 enables.
func (d *Device) setPowerFeature(feature uint16, on bool) (u1, u2 bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	switch feature {
	case FeatureU1Enable:
		d.u1Enabled = on
	case FeatureU2Enable:
		d.u2Enabled = on
	case FeatureLTMEnable:
		d.ltmEnabled = on
	}
	return d.u1Enabled, d.u2Enabled
}

// U1U2Enabled reports the host's U1 and U2 enables.
func (d *Device) U1U2Enabled() (u1, u2 bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.u1Enabled, d.u2Enabled
}

// SetExitLatency records the SET_SEL values.
func (d *Device) SetExitLatency(sel ExitLatency) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.sel = sel
}

// ExitLatency returns the last SET_SEL values.
func (d *Device) ExitLatency() ExitLatency {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.sel
}

// SetIsochDelay records the SET_ISOCH_DELAY value in nanoseconds.
func (d *Device) SetIsochDelay(ns uint16) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.isochDelay = ns
}

// IsochDelay returns the last SET_ISOCH_DELAY value in nanoseconds.
func (d *Device) IsochDelay() uint16 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.isochDelay
}

// Alternate returns the alternate setting of interface iface.
func (d *Device) Alternate(iface uint8) (uint8, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if !d.configured || int(iface) >= d.active.interfaces || d.active.alternates[iface] == 0 {
		return 0, fmt.Errorf("interface %d: %w", iface, pkg.ErrInvalidRequest)
	}
	return d.alternates[iface], nil
}

// SetAlternate handles SET_INTERFACE.
func (d *Device) SetAlternate(iface, alt uint8) error {
	d.mutex.Lock()
	if !d.configured || int(iface) >= d.active.interfaces || alt >= d.active.alternates[iface] {
		d.mutex.Unlock()
		return fmt.Errorf("interface %d alt %d: %w", iface, alt, pkg.ErrInvalidRequest)
	}
	d.alternates[iface] = alt
	callback := d.onSetInterface
	d.mutex.Unlock()

	if callback != nil {
		callback(iface, alt)
	}
	pkg.LogDebug(pkg.ComponentDevice, "interface set", "interface", iface, "alt", alt)
	return nil
}

// hasEndpoint reports whether address is EP0 or an endpoint of the
// active configuration. Callers hold the mutex.
func (d *Device) hasEndpoint(address uint8) bool {
	if address&0x0F == 0 {
		return true
	}
	return d.configured && d.active.endpoints[endpointIndex(address)]
}

// IsHalted reports the halt feature of an endpoint.
func (d *Device) IsHalted(address uint8) (bool, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if !d.hasEndpoint(address) {
		return false, fmt.Errorf("endpoint 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	return d.halted[endpointIndex(address)], nil
}

// SetHalt sets or clears the halt feature of an endpoint.
func (d *Device) SetHalt(address uint8, halted bool) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if !d.hasEndpoint(address) {
		return fmt.Errorf("endpoint 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	d.halted[endpointIndex(address)] = halted
	return nil
}

// isIsochronous reports whether address is an isochronous endpoint of the
// active configuration.
func (d *Device) isIsochronous(address uint8) bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.hasEndpoint(address) && d.active.isoch[endpointIndex(address)]
}

// SetOnStateChange sets the state change callback.
func (d *Device) SetOnStateChange(cb func(old, new State)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onStateChange = cb
}

// SetOnSuspend sets the suspend callback.
func (d *Device) SetOnSuspend(cb func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSuspend = cb
}

// SetOnResume sets the resume callback.
func (d *Device) SetOnResume(cb func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onResume = cb
}

// SetOnReset sets the reset callback.
func (d *Device) SetOnReset(cb func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onReset = cb
}

// SetOnSetAddress sets the set address callback.
func (d *Device) SetOnSetAddress(cb func(address uint8)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSetAddress = cb
}

// SetOnSetConfiguration sets the set configuration callback.
func (d *Device) SetOnSetConfiguration(cb func(config uint8)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSetConfiguration = cb
}

// SetOnSetInterface sets the set interface callback.
func (d *Device) SetOnSetInterface(cb func(iface, alt uint8)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSetInterface = cb
}

// DeviceStatus represents the device status bits.
type DeviceStatus uint16

// Device status bits.
const (
	DeviceStatusSelfPowered  DeviceStatus = 1 << 0 // Device is self-powered
	DeviceStatusRemoteWakeup DeviceStatus = 1 << 1 // Remote wakeup enabled
	DeviceStatusU1Enable     DeviceStatus = 1 << 2 // SuperSpeed U1 enabled
	DeviceStatusU2Enable     DeviceStatus = 1 << 3 // SuperSpeed U2 enabled
	DeviceStatusLTMEnable    DeviceStatus = 1 << 4 // SuperSpeed LTM enabled
)

// GetStatus returns the device status.
func (d *Device) GetStatus() DeviceStatus {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var status DeviceStatus
	if d.configured && d.active.attributes&ConfigAttrSelfPowered != 0 {
		status |= DeviceStatusSelfPowered
	}
	if d.remoteWakeupEnabled {
		status |= DeviceStatusRemoteWakeup
	}
	if d.speed == hal.SpeedSuper {
		if d.u1Enabled {
			status |= DeviceStatusU1Enable
		}
		if d.u2Enabled {
			status |= DeviceStatusU2Enable
		}
		if d.ltmEnabled {
			status |= DeviceStatusLTMEnable
		}
	}
	return status
}
