package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/fx3usb/device/boot"
	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// Descriptors holds the descriptor set the device reports, registered per
// slot in the FX3 SetDesc model: separate device and configuration
// descriptors for SuperSpeed, high speed and full speed, a BOS, a device
// qualifier and indexed strings. GET_DESCRIPTOR picks the slot matching
// the connection speed.
//
// The set is backed by a boot.Table so it can be handed over to a warm-boot
// image unchanged.
type Descriptors struct {
	mutex sync.RWMutex
	table *boot.Table
}

// NewDescriptors returns an empty descriptor set.
func NewDescriptors() *Descriptors {
	return &Descriptors{table: boot.NewTable()}
}

// Set registers data in slot typ at index. Only string descriptors use
// the index; every other slot requires index 0.
func (d *Descriptors) Set(typ boot.DescType, index uint8, data []byte) error {
	if typ == boot.DescFSConfig || typ == boot.DescHSConfig || typ == boot.DescSSConfig {
		if err := checkConfig(data); err != nil {
			return fmt.Errorf("%v: %w", typ, err)
		}
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.table.SetDesc(typ, index, data); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentDevice, "descriptor set", "type", typ, "index", index, "len", len(data))
	return nil
}

// checkConfig verifies that a configuration descriptor's wTotalLength
// matches its data and that the embedded descriptors are well-formed.
func checkConfig(data []byte) error {
	var hdr ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(data, &hdr); err != nil {
		return err
	}
	if int(hdr.TotalLength) != len(data) {
		return fmt.Errorf("total length %d of %d bytes: %w", hdr.TotalLength, len(data), pkg.ErrDescriptorTooShort)
	}
	return WalkDescriptors(data, func([]byte) error { return nil })
}

// SetStrings registers the language table (index 0) and one string
// descriptor per non-empty entry of strs, starting at index 1.
func (d *Descriptors) SetStrings(strs ...string) error {
	var buf [256]byte
	n := LanguageDescriptorTo(buf[:], LangIDUSEnglish)
	if err := d.Set(boot.DescString, 0, buf[:n]); err != nil {
		return err
	}
	for i, s := range strs {
		if s == "" {
			continue
		}
		n := StringDescriptorTo(buf[:], s)
		if err := d.Set(boot.DescString, uint8(i+1), buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the raw descriptor in slot typ at index, or nil.
func (d *Descriptors) Get(typ boot.DescType, index uint8) []byte {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	for _, e := range d.table.Entries() {
		if e.Type == typ && e.Index == index {
			return e.Data
		}
	}
	return nil
}

// deviceSlot and configSlot select the slots served at speed.
func deviceSlot(speed hal.Speed) boot.DescType {
	if speed == hal.SpeedSuper {
		return boot.DescSSDevice
	}
	return boot.DescHSDevice
}

func configSlot(speed hal.Speed) boot.DescType {
	switch speed {
	case hal.SpeedSuper:
		return boot.DescSSConfig
	case hal.SpeedHigh:
		return boot.DescHSConfig
	default:
		return boot.DescFSConfig
	}
}

// otherSpeedSlot returns the configuration slot of the other USB 2.0
// speed.
func otherSpeedSlot(speed hal.Speed) (boot.DescType, bool) {
	switch speed {
	case hal.SpeedHigh:
		return boot.DescFSConfig, true
	case hal.SpeedFull:
		return boot.DescHSConfig, true
	default:
		return 0, false
	}
}

// Lookup resolves a GET_DESCRIPTOR request (descriptor type and index from
// wValue) at speed. It writes the descriptor to buf and returns its full
// length; the caller truncates to wLength.
func (d *Descriptors) Lookup(speed hal.Speed, descType, index uint8, buf []byte) (int, error) {
	var data []byte
	switch descType {
	case DescriptorTypeDevice:
		data = d.Get(deviceSlot(speed), 0)
	case DescriptorTypeConfiguration:
		if index != 0 {
			return 0, fmt.Errorf("configuration %d: %w", index, pkg.ErrInvalidRequest)
		}
		data = d.Get(configSlot(speed), 0)
	case DescriptorTypeOtherSpeedConfig:
		slot, ok := otherSpeedSlot(speed)
		if !ok || index != 0 {
			return 0, pkg.ErrNotSupported
		}
		data = d.Get(slot, 0)
		if data != nil {
			n := copy(buf, data)
			if n < 2 {
				return 0, pkg.ErrBufferTooSmall
			}
			buf[1] = DescriptorTypeOtherSpeedConfig
			if n < len(data) {
				return 0, pkg.ErrBufferTooSmall
			}
			return n, nil
		}
	case DescriptorTypeDeviceQualifier:
		if speed == hal.SpeedSuper {
			return 0, pkg.ErrNotSupported
		}
		data = d.Get(boot.DescDeviceQualifier, 0)
		if data == nil {
			// Derive from the device descriptor.
			var dev DeviceDescriptor
			if err := ParseDeviceDescriptor(d.Get(boot.DescHSDevice, 0), &dev); err != nil {
				return 0, pkg.ErrNotSupported
			}
			if n := dev.QualifierTo(buf); n > 0 {
				return n, nil
			}
			return 0, pkg.ErrBufferTooSmall
		}
	case DescriptorTypeBOS:
		data = d.Get(boot.DescSSBOS, 0)
	case DescriptorTypeString:
		data = d.Get(boot.DescString, index)
	case DescriptorTypeOTG:
		data = d.Get(boot.DescOTG, 0)
	default:
		return 0, fmt.Errorf("descriptor type 0x%02X: %w", descType, pkg.ErrInvalidRequest)
	}
	if data == nil {
		return 0, fmt.Errorf("descriptor 0x%02X[%d] at %v: %w", descType, index, speed, pkg.ErrInvalidRequest)
	}
	if len(buf) < len(data) {
		return 0, pkg.ErrBufferTooSmall
	}
	return copy(buf, data), nil
}

// Config returns the configuration descriptor served at speed, or nil.
func (d *Descriptors) Config(speed hal.Speed) []byte {
	return d.Get(configSlot(speed), 0)
}

// Table returns a copy of the set as a warm-boot table carrying the
// given connection state.
func (d *Descriptors) Table(usbOn bool, speed hal.Speed) *boot.Table {
	t := boot.NewTable()
	t.UsbOn = usbOn
	t.Speed = speed
	t.SSConnect = usbOn && speed == hal.SpeedSuper
	d.mutex.RLock()
	err := d.table.LoadDescs(t.SetDesc)
	d.mutex.RUnlock()
	if err != nil {
		// Entries were validated on the way in.
		pkg.LogError(pkg.ComponentDevice, "descriptor export", "error", err)
	}
	return t
}

// LoadTable replaces the set with the descriptors of a warm-boot table.
func (d *Descriptors) LoadTable(t *boot.Table) error {
	if t == nil {
		return pkg.ErrNullPointer
	}
	fresh := NewDescriptors()
	if err := t.LoadDescs(fresh.Set); err != nil {
		return err
	}
	d.mutex.Lock()
	d.table = fresh.table
	d.mutex.Unlock()
	return nil
}

// configInfo summarizes the parts of a configuration descriptor the
// standard request handler needs.
type configInfo struct {
	value      uint8
	attributes uint8
	maxPower   uint8
	// alternates[i] is the number of alternate settings of interface i.
	alternates [MaxInterfaces]uint8
	interfaces int
	endpoints  [MaxEndpointAddresses]bool
	isoch      [MaxEndpointAddresses]bool
}

// parseConfigInfo walks a full configuration descriptor.
func parseConfigInfo(data []byte, out *configInfo) error {
	var hdr ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(data, &hdr); err != nil {
		return err
	}
	*out = configInfo{value: hdr.ConfigurationValue, attributes: hdr.Attributes, maxPower: hdr.MaxPower}
	return WalkDescriptors(data[ConfigurationDescriptorSize:], func(desc []byte) error {
		switch desc[1] {
		case DescriptorTypeInterface:
			var id InterfaceDescriptor
			if err := ParseInterfaceDescriptor(desc, &id); err != nil {
				return err
			}
			if int(id.InterfaceNumber) >= MaxInterfaces {
				return fmt.Errorf("interface %d: %w", id.InterfaceNumber, pkg.ErrBadArgument)
			}
			if id.AlternateSetting+1 > out.alternates[id.InterfaceNumber] {
				out.alternates[id.InterfaceNumber] = id.AlternateSetting + 1
			}
			if int(id.InterfaceNumber)+1 > out.interfaces {
				out.interfaces = int(id.InterfaceNumber) + 1
			}
		case DescriptorTypeEndpoint:
			var ed EndpointDescriptor
			if err := ParseEndpointDescriptor(desc, &ed); err != nil {
				return err
			}
			idx := endpointIndex(ed.EndpointAddress)
			out.endpoints[idx] = true
			out.isoch[idx] = ed.Attributes&EndpointTypeMask == EndpointTypeIsochronous
		}
		return nil
	})
}

// maxPowerMilliamps converts bMaxPower to mA for speed.
func maxPowerMilliamps(speed hal.Speed, maxPower uint8) int {
	if speed == hal.SpeedSuper {
		return int(maxPower) * 8
	}
	return int(maxPower) * 2
}

// putStatus writes a 2-byte status word.
func putStatus(buf []byte, v uint16) []byte {
	binary.LittleEndian.PutUint16(buf[:2], v)
	return buf[:2]
}
