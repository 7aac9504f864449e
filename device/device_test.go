package device

import (
	"errors"
	"testing"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

func TestNewDevice(t *testing.T) {
	dev := NewDevice(nil)
	if dev.Descriptors() == nil {
		t.Fatal("nil descriptor set")
	}
	if dev.State() != StateAttached || dev.Speed() != hal.SpeedNotConnected {
		t.Errorf("state = %v speed = %v", dev.State(), dev.Speed())
	}
}

func TestDeviceStateTransitions(t *testing.T) {
	dev := NewDevice(testDescriptors(t))
	var transitions [][2]State
	dev.SetOnStateChange(func(old, new State) {
		transitions = append(transitions, [2]State{old, new})
	})

	dev.Attach(hal.SpeedHigh)
	dev.Reset()
	if err := dev.SetAddress(5); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetConfiguration(1); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetConfiguration(0); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetAddress(0); err != nil {
		t.Fatal(err)
	}
	dev.Detach()

	want := [][2]State{
		{StateAttached, StatePowered},
		{StatePowered, StateDefault},
		{StateDefault, StateAddress},
		{StateAddress, StateConfigured},
		{StateConfigured, StateAddress},
		{StateAddress, StateDefault},
		{StateDefault, StateAttached},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
	if dev.Speed() != hal.SpeedNotConnected || dev.Address() != 0 {
		t.Errorf("after detach: speed=%v address=%d", dev.Speed(), dev.Address())
	}
}

func TestDeviceInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		run  func(*Device) error
		want error
	}{
		{"address before reset", func(d *Device) error { return NewDevice(nil).SetAddress(1) }, pkg.ErrInvalidState},
		{"address out of range", func(d *Device) error { return d.SetAddress(128) }, pkg.ErrInvalidRequest},
		{"address when configured", func(d *Device) error {
			if err := d.SetConfiguration(1); err != nil {
				return err
			}
			return d.SetAddress(9)
		}, pkg.ErrInvalidState},
		{"configure in default", func(d *Device) error { d.Reset(); return d.SetConfiguration(1) }, pkg.ErrInvalidState},
		{"unknown configuration", func(d *Device) error { return d.SetConfiguration(2) }, pkg.ErrInvalidRequest},
		{"no configuration for speed", func(d *Device) error {
			d.SetSpeed(hal.Speed(9))
			d.descriptors = NewDescriptors()
			return d.SetConfiguration(1)
		}, pkg.ErrDescriptorTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := addressedDevice(t, hal.SpeedHigh)
			if err := tt.run(dev); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeviceSuspendResume(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Device)
		want  State
	}{
		{"configured", func(d *Device) {
			if err := d.SetConfiguration(1); err != nil {
				t.Fatal(err)
			}
		}, StateConfigured},
		{"address", func(*Device) {}, StateAddress},
		{"powered", func(d *Device) { d.Attach(hal.SpeedFull) }, StateDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := addressedDevice(t, hal.SpeedHigh)
			tt.setup(dev)
			var suspends, resumes int
			dev.SetOnSuspend(func() { suspends++ })
			dev.SetOnResume(func() { resumes++ })

			dev.Suspend()
			dev.Suspend()
			if !dev.IsSuspended() {
				t.Fatal("not suspended")
			}
			dev.Resume()
			dev.Resume()
			if dev.State() != tt.want {
				t.Errorf("state = %v, want %v", dev.State(), tt.want)
			}
			if suspends != 1 || resumes != 1 {
				t.Errorf("suspends=%d resumes=%d", suspends, resumes)
			}
		})
	}
}

func TestDeviceCallbacks(t *testing.T) {
	dev := NewDevice(testDescriptors(t))
	var (
		resets  int
		address uint8
		config  uint8
		iface   [2]uint8
	)
	dev.SetOnReset(func() { resets++ })
	dev.SetOnSetAddress(func(a uint8) { address = a })
	dev.SetOnSetConfiguration(func(c uint8) { config = c })
	dev.SetOnSetInterface(func(i, a uint8) { iface = [2]uint8{i, a} })

	dev.Attach(hal.SpeedSuper)
	dev.Reset()
	if err := dev.SetAddress(12); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetConfiguration(1); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetAlternate(1, 1); err != nil {
		t.Fatal(err)
	}

	if resets != 1 || address != 12 || config != 1 || iface != [2]uint8{1, 1} {
		t.Errorf("resets=%d address=%d config=%d iface=%v", resets, address, config, iface)
	}
	if dev.Configuration() != 1 || !dev.IsConfigured() {
		t.Error("not configured")
	}
}

func TestDeviceAlternates(t *testing.T) {
	dev := configuredDevice(t, hal.SpeedHigh)
	tests := []struct {
		iface, alt uint8
		err        error
	}{
		{0, 0, nil},
		{0, 1, pkg.ErrInvalidRequest},
		{1, 1, nil},
		{1, 2, pkg.ErrInvalidRequest},
		{2, 0, pkg.ErrInvalidRequest},
	}
	for _, tt := range tests {
		if err := dev.SetAlternate(tt.iface, tt.alt); !errors.Is(err, tt.err) {
			t.Errorf("SetAlternate(%d, %d) = %v, want %v", tt.iface, tt.alt, err, tt.err)
		}
	}
	if alt, err := dev.Alternate(1); err != nil || alt != 1 {
		t.Errorf("Alternate(1) = %d, %v", alt, err)
	}

	if err := dev.SetConfiguration(1); err != nil {
		t.Fatal(err)
	}
	if alt, _ := dev.Alternate(1); alt != 0 {
		t.Error("alternate not reset by SET_CONFIGURATION")
	}

	unconfigured := addressedDevice(t, hal.SpeedHigh)
	if _, err := unconfigured.Alternate(0); !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("Alternate unconfigured = %v", err)
	}
}

func TestDeviceEndpointHalt(t *testing.T) {
	dev := configuredDevice(t, hal.SpeedHigh)
	tests := []struct {
		addr uint8
		err  error
	}{
		{0x00, nil},
		{0x80, nil},
		{0x81, nil},
		{0x01, nil},
		{0x83, nil},
		{0x82, pkg.ErrInvalidEndpoint},
		{0x03, pkg.ErrInvalidEndpoint},
	}
	for _, tt := range tests {
		if err := dev.SetHalt(tt.addr, true); !errors.Is(err, tt.err) {
			t.Errorf("SetHalt(0x%02X) = %v, want %v", tt.addr, err, tt.err)
			continue
		}
		halted, err := dev.IsHalted(tt.addr)
		if tt.err == nil && (!halted || err != nil) {
			t.Errorf("IsHalted(0x%02X) = %v, %v", tt.addr, halted, err)
		}
	}

	if err := dev.SetHalt(0x81, false); err != nil {
		t.Fatal(err)
	}
	if halted, _ := dev.IsHalted(0x81); halted {
		t.Error("halt not cleared")
	}
	if halted, _ := dev.IsHalted(0x01); !halted {
		t.Error("halt on 0x01 lost")
	}

	dev.Reset()
	if err := dev.SetHalt(0x81, true); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("halt after reset = %v", err)
	}
	if !configuredDevice(t, hal.SpeedHigh).isIsochronous(0x83) {
		t.Error("0x83 not isochronous")
	}
}

func TestDeviceGetStatus(t *testing.T) {
	tests := []struct {
		name  string
		speed hal.Speed
		setup func(*Device)
		want  DeviceStatus
	}{
		{"addressed", hal.SpeedHigh, func(*Device) {}, 0},
		{"configured self powered", hal.SpeedHigh, func(d *Device) { _ = d.SetConfiguration(1) }, DeviceStatusSelfPowered},
		{"remote wakeup", hal.SpeedHigh, func(d *Device) { d.EnableRemoteWakeup(true) }, DeviceStatusRemoteWakeup},
		{"u1 u2 ltm at ss", hal.SpeedSuper, func(d *Device) {
			d.setPowerFeature(FeatureU1Enable, true)
			d.setPowerFeature(FeatureU2Enable, true)
			d.setPowerFeature(FeatureLTMEnable, true)
		}, DeviceStatusU1Enable | DeviceStatusU2Enable | DeviceStatusLTMEnable},
		{"u1 hidden at hs", hal.SpeedHigh, func(d *Device) { d.setPowerFeature(FeatureU1Enable, true) }, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := addressedDevice(t, tt.speed)
			tt.setup(dev)
			if got := dev.GetStatus(); got != tt.want {
				t.Errorf("GetStatus() = 0x%04X, want 0x%04X", got, tt.want)
			}
		})
	}
}

func TestDeviceResetClearsSession(t *testing.T) {
	dev := configuredDevice(t, hal.SpeedSuper)
	dev.EnableRemoteWakeup(true)
	dev.setPowerFeature(FeatureU2Enable, true)
	dev.SetExitLatency(ExitLatency{U1SEL: 1, U2PEL: 400})
	dev.SetIsochDelay(40)

	dev.Reset()

	u1, u2 := dev.U1U2Enabled()
	if dev.IsRemoteWakeupEnabled() || u1 || u2 || dev.ExitLatency() != (ExitLatency{}) || dev.IsochDelay() != 0 {
		t.Error("session state survived reset")
	}
	if dev.Address() != 0 || dev.Configuration() != 0 || dev.State() != StateDefault {
		t.Errorf("address=%d config=%d state=%v", dev.Address(), dev.Configuration(), dev.State())
	}
	if dev.Speed() != hal.SpeedSuper {
		t.Error("reset dropped the speed")
	}
}
