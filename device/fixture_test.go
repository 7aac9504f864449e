package device

import (
	"testing"

	"github.com/ardnew/fx3usb/device/boot"
	"github.com/ardnew/fx3usb/device/hal"
)

// testConfig builds configuration 1: a vendor interface with a bulk pair
// and an interface with an isochronous IN endpoint on alternate 1.
func testConfig(t *testing.T, superSpeed bool) []byte {
	t.Helper()
	mps := uint16(512)
	if superSpeed {
		mps = 1024
	}
	b := NewConfigBuilder(1, ConfigAttrSelfPowered|ConfigAttrRemoteWakeup, 50)
	b.Interface(InterfaceDescriptor{InterfaceNumber: 0, NumEndpoints: 2, InterfaceClass: ClassVendor})
	for _, addr := range []uint8{0x81, 0x01} {
		b.Endpoint(EndpointDescriptor{EndpointAddress: addr, Attributes: EndpointTypeBulk, MaxPacketSize: mps})
		if superSpeed {
			b.Companion(SSEndpointCompanionDescriptor{MaxBurst: 15})
		}
	}
	b.Interface(InterfaceDescriptor{InterfaceNumber: 1, InterfaceClass: ClassVendor})
	b.Interface(InterfaceDescriptor{InterfaceNumber: 1, AlternateSetting: 1, NumEndpoints: 1, InterfaceClass: ClassVendor})
	b.Endpoint(EndpointDescriptor{EndpointAddress: 0x83, Attributes: EndpointTypeIsochronous, MaxPacketSize: mps, Interval: 1})
	if superSpeed {
		b.Companion(SSEndpointCompanionDescriptor{BytesPerInterval: mps})
	}
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return data
}

func testDeviceDescriptor(superSpeed bool) []byte {
	desc := DeviceDescriptor{
		USBVersion:        0x0210,
		MaxPacketSize0:    64,
		VendorID:          0x04B4,
		ProductID:         0x00F1,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		NumConfigurations: 1,
	}
	if superSpeed {
		desc.USBVersion = 0x0320
		desc.MaxPacketSize0 = 9
	}
	buf := make([]byte, DeviceDescriptorSize)
	desc.MarshalTo(buf)
	return buf
}

// testDescriptors returns a complete FX3-style descriptor set.
func testDescriptors(t *testing.T) *Descriptors {
	t.Helper()
	d := NewDescriptors()
	bos := make([]byte, BOSSize)
	(&BOSDescriptor{LPM: true, SpeedsSupported: 0x0E, FunctionalSpeed: 1, U1DevExitLatency: 10, U2DevExitLatency: 2047}).MarshalTo(bos)
	sets := []struct {
		typ  boot.DescType
		data []byte
	}{
		{boot.DescSSDevice, testDeviceDescriptor(true)},
		{boot.DescHSDevice, testDeviceDescriptor(false)},
		{boot.DescFSConfig, testConfig(t, false)},
		{boot.DescHSConfig, testConfig(t, false)},
		{boot.DescSSConfig, testConfig(t, true)},
		{boot.DescSSBOS, bos},
	}
	for _, s := range sets {
		if err := d.Set(s.typ, 0, s.data); err != nil {
			t.Fatalf("Set(%v): %v", s.typ, err)
		}
	}
	if err := d.SetStrings("Cypress", "FX3"); err != nil {
		t.Fatalf("SetStrings: %v", err)
	}
	return d
}

// addressedDevice returns a device in the Address state at speed.
func addressedDevice(t *testing.T, speed hal.Speed) *Device {
	t.Helper()
	dev := NewDevice(testDescriptors(t))
	dev.Attach(speed)
	dev.Reset()
	if err := dev.SetAddress(5); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	return dev
}

// configuredDevice returns a device in the Configured state at speed.
func configuredDevice(t *testing.T, speed hal.Speed) *Device {
	t.Helper()
	dev := addressedDevice(t, speed)
	if err := dev.SetConfiguration(1); err != nil {
		t.Fatalf("SetConfiguration: %v", err)
	}
	return dev
}
