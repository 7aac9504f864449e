package main

import (
	"fmt"

	"github.com/ardnew/fx3usb/device"
	"github.com/ardnew/fx3usb/device/boot"
	"github.com/ardnew/fx3usb/device/hal"
)

// Identity of the simulated bulk loopback device.
const (
	vendorID  = 0x04B4
	productID = 0x00F1
)

// loopbackConfig builds the single configuration of the loopback device:
// one vendor interface with a bulk OUT/IN pair sized for speed.
func loopbackConfig(speed hal.Speed) ([]byte, error) {
	var mps uint16
	switch speed {
	case hal.SpeedSuper:
		mps = 1024
	case hal.SpeedHigh:
		mps = 512
	default:
		mps = 64
	}
	b := device.NewConfigBuilder(1, device.ConfigAttrSelfPowered, 50)
	b.Interface(device.InterfaceDescriptor{NumEndpoints: 2, InterfaceClass: device.ClassVendor})
	for _, addr := range []uint8{0x01, 0x81} {
		b.Endpoint(device.EndpointDescriptor{
			EndpointAddress: addr,
			Attributes:      device.EndpointTypeBulk,
			MaxPacketSize:   mps,
		})
		if speed == hal.SpeedSuper {
			b.Companion(device.SSEndpointCompanionDescriptor{MaxBurst: 15})
		}
	}
	return b.Bytes()
}

func loopbackDevice(superSpeed bool) []byte {
	desc := device.DeviceDescriptor{
		USBVersion:        0x0210,
		MaxPacketSize0:    64,
		VendorID:          vendorID,
		ProductID:         productID,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}
	if superSpeed {
		desc.USBVersion = 0x0320
		desc.MaxPacketSize0 = 9
	}
	buf := make([]byte, device.DeviceDescriptorSize)
	desc.MarshalTo(buf)
	return buf
}

// loopbackDescriptors returns the full descriptor set of the simulated
// device for every speed.
func loopbackDescriptors() (*device.Descriptors, error) {
	d := device.NewDescriptors()
	bos := make([]byte, device.BOSSize)
	(&device.BOSDescriptor{
		LPM:              true,
		SpeedsSupported:  0x0E,
		FunctionalSpeed:  1,
		U1DevExitLatency: 10,
		U2DevExitLatency: 2047,
	}).MarshalTo(bos)

	slots := []struct {
		typ   boot.DescType
		speed hal.Speed
		data  []byte
	}{
		{typ: boot.DescSSDevice, data: loopbackDevice(true)},
		{typ: boot.DescHSDevice, data: loopbackDevice(false)},
		{typ: boot.DescSSBOS, data: bos},
		{typ: boot.DescSSConfig, speed: hal.SpeedSuper},
		{typ: boot.DescHSConfig, speed: hal.SpeedHigh},
		{typ: boot.DescFSConfig, speed: hal.SpeedFull},
	}
	for _, s := range slots {
		data := s.data
		if data == nil {
			cfg, err := loopbackConfig(s.speed)
			if err != nil {
				return nil, fmt.Errorf("%v: %w", s.typ, err)
			}
			data = cfg
		}
		if err := d.Set(s.typ, 0, data); err != nil {
			return nil, fmt.Errorf("%v: %w", s.typ, err)
		}
	}
	if err := d.SetStrings("Cypress", "FX3 Loopback", "0001"); err != nil {
		return nil, err
	}
	return d, nil
}
