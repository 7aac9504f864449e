package device

import (
	"encoding/binary"

	"github.com/ardnew/fx3usb/pkg"
)

// USB Descriptor Types (USB 3.2 Spec Table 9-6).
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfacePower       = 0x08
	DescriptorTypeOTG                  = 0x09
	DescriptorTypeDebug                = 0x0A
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeBOS                  = 0x0F
	DescriptorTypeDeviceCapability     = 0x10
	DescriptorTypeCSInterface          = 0x24 // Class-specific interface
	DescriptorTypeCSEndpoint           = 0x25 // Class-specific endpoint
	DescriptorTypeSSEndpointCompanion  = 0x30
)

// USB Class Codes.
const (
	ClassPerInterface = 0x00 // Class defined at interface level
	ClassAudio        = 0x01 // Audio class
	ClassCDC          = 0x02 // Communications Device Class
	ClassHID          = 0x03 // Human Interface Device
	ClassPhysical     = 0x05 // Physical
	ClassImage        = 0x06 // Still Imaging
	ClassPrinter      = 0x07 // Printer
	ClassMassStorage  = 0x08 // Mass Storage
	ClassHub          = 0x09 // Hub
	ClassCDCData      = 0x0A // CDC-Data
	ClassSmartCard    = 0x0B // Smart Card
	ClassContentSec   = 0x0D // Content Security
	ClassVideo        = 0x0E // Video
	ClassHealthcare   = 0x0F // Personal Healthcare
	ClassAudioVideo   = 0x10 // Audio/Video Devices
	ClassBillboard    = 0x11 // Billboard Device Class
	ClassDiagnostic   = 0xDC // Diagnostic Device
	ClassWireless     = 0xE0 // Wireless Controller
	ClassMisc         = 0xEF // Miscellaneous
	ClassAppSpecific  = 0xFE // Application Specific
	ClassVendor       = 0xFF // Vendor Specific
)

// DeviceDescriptor represents a USB device descriptor (18 bytes).
type DeviceDescriptor struct {
	Length            uint8  // Size of this descriptor (18)
	DescriptorType    uint8  // Device descriptor type (0x01)
	USBVersion        uint16 // USB specification version (BCD)
	DeviceClass       uint8  // Class code
	DeviceSubClass    uint8  // Subclass code
	DeviceProtocol    uint8  // Protocol code
	MaxPacketSize0    uint8  // Max packet size for EP0
	VendorID          uint16 // Vendor ID
	ProductID         uint16 // Product ID
	DeviceVersion     uint16 // Device release number (BCD)
	ManufacturerIndex uint8  // Index of manufacturer string
	ProductIndex      uint8  // Index of product string
	SerialNumberIndex uint8  // Index of serial number string
	NumConfigurations uint8  // Number of configurations
}

// DeviceDescriptorSize is the size of a device descriptor in bytes.
const DeviceDescriptorSize = 18

// MarshalTo serializes the device descriptor to buf.
// Returns the number of bytes written (always 18 if buf is large enough).
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor parses a device descriptor from bytes into out.
// Returns an error if the data is too short or the descriptor type is wrong.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = binary.LittleEndian.Uint16(data[2:4])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:10])
	out.ProductID = binary.LittleEndian.Uint16(data[10:12])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return nil
}

// ConfigurationDescriptor represents a USB configuration descriptor (9 bytes).
type ConfigurationDescriptor struct {
	Length             uint8  // Size of this descriptor (9)
	DescriptorType     uint8  // Configuration descriptor type (0x02)
	TotalLength        uint16 // Total length of configuration data
	NumInterfaces      uint8  // Number of interfaces
	ConfigurationValue uint8  // Configuration value for SET_CONFIGURATION
	ConfigurationIndex uint8  // Index of string descriptor
	Attributes         uint8  // Configuration attributes
	MaxPower           uint8  // Maximum power consumption (2mA units)
}

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80 // Bus-powered (required)
	ConfigAttrSelfPowered  = 0x40 // Self-powered
	ConfigAttrRemoteWakeup = 0x20 // Remote wakeup capable
)

// ConfigurationDescriptorSize is the size of a configuration descriptor in bytes.
const ConfigurationDescriptorSize = 9

// MarshalTo serializes the configuration descriptor to buf.
// Returns the number of bytes written (always 9 if buf is large enough).
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:4], c.TotalLength)
	buf[4] = c.NumInterfaces
	buf[5] = c.ConfigurationValue
	buf[6] = c.ConfigurationIndex
	buf[7] = c.Attributes
	buf[8] = c.MaxPower
	return ConfigurationDescriptorSize
}

// ParseConfigurationDescriptor parses a configuration descriptor from bytes into out.
// Returns an error if the data is too short or the descriptor type is wrong.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if len(data) < ConfigurationDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeConfiguration {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return nil
}

// InterfaceDescriptor represents a USB interface descriptor (9 bytes).
type InterfaceDescriptor struct {
	Length            uint8 // Size of this descriptor (9)
	DescriptorType    uint8 // Interface descriptor type (0x04)
	InterfaceNumber   uint8 // Interface number
	AlternateSetting  uint8 // Alternate setting number
	NumEndpoints      uint8 // Number of endpoints (excluding EP0)
	InterfaceClass    uint8 // Class code
	InterfaceSubClass uint8 // Subclass code
	InterfaceProtocol uint8 // Protocol code
	InterfaceIndex    uint8 // Index of string descriptor
}

// InterfaceDescriptorSize is the size of an interface descriptor in bytes.
const InterfaceDescriptorSize = 9

// MarshalTo serializes the interface descriptor to buf.
// Returns the number of bytes written (always 9 if buf is large enough).
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	buf[0] = InterfaceDescriptorSize
	buf[1] = DescriptorTypeInterface
	buf[2] = i.InterfaceNumber
	buf[3] = i.AlternateSetting
	buf[4] = i.NumEndpoints
	buf[5] = i.InterfaceClass
	buf[6] = i.InterfaceSubClass
	buf[7] = i.InterfaceProtocol
	buf[8] = i.InterfaceIndex
	return InterfaceDescriptorSize
}

// ParseInterfaceDescriptor parses an interface descriptor from bytes into out.
// Returns an error if the data is too short or the descriptor type is wrong.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	if len(data) < InterfaceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeInterface {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return nil
}

// EndpointDescriptor represents a USB endpoint descriptor (7 bytes).
type EndpointDescriptor struct {
	Length          uint8  // Size of this descriptor (7)
	DescriptorType  uint8  // Endpoint descriptor type (0x05)
	EndpointAddress uint8  // Endpoint address (including direction)
	Attributes      uint8  // Endpoint attributes (transfer type, etc.)
	MaxPacketSize   uint16 // Maximum packet size
	Interval        uint8  // Polling interval (for interrupt/isochronous)
}

// Endpoint transfer types (bmAttributes bits 1:0).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
	EndpointTypeMask        = 0x03
)

// EndpointDescriptorSize is the size of an endpoint descriptor in bytes.
const EndpointDescriptorSize = 7

// MarshalTo serializes the endpoint descriptor to buf.
// Returns the number of bytes written (always 7 if buf is large enough).
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.EndpointAddress
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// ParseEndpointDescriptor parses an endpoint descriptor from bytes into out.
// Returns an error if the data is too short or the descriptor type is wrong.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if len(data) < EndpointDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeEndpoint {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = binary.LittleEndian.Uint16(data[4:6])
	out.Interval = data[6]
	return nil
}

// StringDescriptorTo writes a USB string descriptor to buf.
// Returns the number of bytes written. The descriptor encodes the string
// as UTF-16LE. If buf is too small, returns 0.
func StringDescriptorTo(buf []byte, s string) int {
	runes := []rune(s)
	length := 2 + len(runes)*2
	if length > 255 {
		runes = runes[:(255-2)/2]
		length = 2 + len(runes)*2
	}
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[2+i*2:], uint16(r))
	}
	return length
}

// LanguageDescriptorTo writes the language ID string descriptor to buf.
// Standard language ID for US English is 0x0409.
// Returns the number of bytes written. If buf is too small, returns 0.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	length := 2 + len(langIDs)*2
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return length
}

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// SSEndpointCompanionDescriptor follows every endpoint descriptor in a
// SuperSpeed configuration (6 bytes).
type SSEndpointCompanionDescriptor struct {
	MaxBurst         uint8  // bMaxBurst (0-15)
	Attributes       uint8  // bmAttributes (streams / mult)
	BytesPerInterval uint16 // wBytesPerInterval
}

// SSEndpointCompanionSize is the size of a SuperSpeed endpoint companion
// descriptor in bytes.
const SSEndpointCompanionSize = 6

// MarshalTo serializes the companion descriptor to buf.
func (c *SSEndpointCompanionDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < SSEndpointCompanionSize {
		return 0
	}
	buf[0] = SSEndpointCompanionSize
	buf[1] = DescriptorTypeSSEndpointCompanion
	buf[2] = c.MaxBurst
	buf[3] = c.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], c.BytesPerInterval)
	return SSEndpointCompanionSize
}

// DeviceQualifierSize is the size of a device qualifier descriptor.
const DeviceQualifierSize = 10

// QualifierTo writes the device qualifier matching d to buf: the fields a
// high-speed capable device would report when operating at the other
// speed. Returns 0 if buf is too small.
func (d *DeviceDescriptor) QualifierTo(buf []byte) int {
	if len(buf) < DeviceQualifierSize {
		return 0
	}
	buf[0] = DeviceQualifierSize
	buf[1] = DescriptorTypeDeviceQualifier
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	buf[8] = d.NumConfigurations
	buf[9] = 0
	return DeviceQualifierSize
}

// Device capability types carried in a BOS descriptor.
const (
	CapabilityUSB20Extension = 0x02
	CapabilitySuperSpeedUSB  = 0x03
)

// BOSHeaderSize is the size of the BOS header.
const BOSHeaderSize = 5

// USB20ExtensionSize and SuperSpeedCapabilitySize are the sizes of the two
// capabilities a SuperSpeed device must report.
const (
	USB20ExtensionSize       = 7
	SuperSpeedCapabilitySize = 10
)

// BOSDescriptor describes the binary device object store of a SuperSpeed
// device: the USB 2.0 extension (LPM support) and the SuperSpeed USB
// capability with its U1/U2 exit latencies.
type BOSDescriptor struct {
	LPM              bool   // USB 2.0 link power management supported
	SpeedsSupported  uint16 // wSpeedsSupported bitmap
	FunctionalSpeed  uint8  // bFunctionalitySupport
	U1DevExitLatency uint8  // bU1DevExitLat (µs)
	U2DevExitLatency uint16 // wU2DevExitLat (µs)
}

// BOSSize is the total size of the BOS descriptor written by MarshalTo.
const BOSSize = BOSHeaderSize + USB20ExtensionSize + SuperSpeedCapabilitySize

// MarshalTo serializes the BOS header and both capabilities to buf.
func (b *BOSDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < BOSSize {
		return 0
	}
	buf[0] = BOSHeaderSize
	buf[1] = DescriptorTypeBOS
	binary.LittleEndian.PutUint16(buf[2:4], BOSSize)
	buf[4] = 2

	ext := buf[BOSHeaderSize:]
	ext[0] = USB20ExtensionSize
	ext[1] = DescriptorTypeDeviceCapability
	ext[2] = CapabilityUSB20Extension
	var attrs uint32
	if b.LPM {
		attrs = 1 << 1
	}
	binary.LittleEndian.PutUint32(ext[3:7], attrs)

	ss := ext[USB20ExtensionSize:]
	ss[0] = SuperSpeedCapabilitySize
	ss[1] = DescriptorTypeDeviceCapability
	ss[2] = CapabilitySuperSpeedUSB
	ss[3] = 0
	binary.LittleEndian.PutUint16(ss[4:6], b.SpeedsSupported)
	ss[6] = b.FunctionalSpeed
	ss[7] = b.U1DevExitLatency
	binary.LittleEndian.PutUint16(ss[8:10], b.U2DevExitLatency)
	return BOSSize
}

// WalkDescriptors calls fn for each descriptor packed in data, in order.
// It stops at the first error from fn, and reports ErrDescriptorTooShort
// if a descriptor's bLength runs past the end of data or is below 2.
func WalkDescriptors(data []byte, fn func(desc []byte) error) error {
	for len(data) > 0 {
		if len(data) < 2 || data[0] < 2 || int(data[0]) > len(data) {
			return pkg.ErrDescriptorTooShort
		}
		n := int(data[0])
		if err := fn(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ConfigBuilder assembles a complete configuration descriptor with its
// interfaces, endpoints and (for SuperSpeed) endpoint companions.
type ConfigBuilder struct {
	header ConfigurationDescriptor
	body   []byte
}

// NewConfigBuilder starts a configuration with the given value,
// attributes and max power (in the unit of the target speed: 2 mA for
// USB 2.0, 8 mA for SuperSpeed).
func NewConfigBuilder(value, attributes, maxPower uint8) *ConfigBuilder {
	return &ConfigBuilder{header: ConfigurationDescriptor{
		ConfigurationValue: value,
		Attributes:         attributes | ConfigAttrBusPowered,
		MaxPower:           maxPower,
	}}
}

// Interface appends an interface descriptor.
func (b *ConfigBuilder) Interface(desc InterfaceDescriptor) *ConfigBuilder {
	var buf [InterfaceDescriptorSize]byte
	desc.MarshalTo(buf[:])
	b.body = append(b.body, buf[:]...)
	if desc.AlternateSetting == 0 {
		b.header.NumInterfaces++
	}
	return b
}

// Endpoint appends an endpoint descriptor.
func (b *ConfigBuilder) Endpoint(desc EndpointDescriptor) *ConfigBuilder {
	var buf [EndpointDescriptorSize]byte
	desc.MarshalTo(buf[:])
	b.body = append(b.body, buf[:]...)
	return b
}

// Companion appends a SuperSpeed endpoint companion descriptor.
func (b *ConfigBuilder) Companion(desc SSEndpointCompanionDescriptor) *ConfigBuilder {
	var buf [SSEndpointCompanionSize]byte
	desc.MarshalTo(buf[:])
	b.body = append(b.body, buf[:]...)
	return b
}

// Bytes returns the configuration descriptor with wTotalLength filled in.
func (b *ConfigBuilder) Bytes() ([]byte, error) {
	total := ConfigurationDescriptorSize + len(b.body)
	if total > 0xFFFF {
		return nil, pkg.ErrBufferTooSmall
	}
	b.header.TotalLength = uint16(total)
	out := make([]byte, total)
	b.header.MarshalTo(out)
	copy(out[ConfigurationDescriptorSize:], b.body)
	return out, nil
}
