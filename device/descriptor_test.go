package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ardnew/fx3usb/pkg"
)

func TestDeviceDescriptor_RoundTrip(t *testing.T) {
	original := DeviceDescriptor{
		USBVersion:        0x0320,
		DeviceClass:       ClassVendor,
		MaxPacketSize0:    9,
		VendorID:          0x04B4,
		ProductID:         0x00F3,
		DeviceVersion:     0x0101,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}

	var buf [DeviceDescriptorSize]byte
	if n := original.MarshalTo(buf[:]); n != DeviceDescriptorSize {
		t.Fatalf("MarshalTo = %d", n)
	}
	if n := original.MarshalTo(buf[:10]); n != 0 {
		t.Errorf("MarshalTo short buffer = %d", n)
	}

	var parsed DeviceDescriptor
	if err := ParseDeviceDescriptor(buf[:], &parsed); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	original.Length, original.DescriptorType = DeviceDescriptorSize, DescriptorTypeDevice
	if parsed != original {
		t.Errorf("parsed = %+v, want %+v", parsed, original)
	}
}

func TestParseDescriptorErrors(t *testing.T) {
	wrong := make([]byte, 18)
	wrong[0], wrong[1] = 18, DescriptorTypeConfiguration

	tests := []struct {
		name  string
		parse func() error
		want  error
	}{
		{"device short", func() error { var d DeviceDescriptor; return ParseDeviceDescriptor(make([]byte, 10), &d) }, pkg.ErrDescriptorTooShort},
		{"device wrong type", func() error { var d DeviceDescriptor; return ParseDeviceDescriptor(wrong, &d) }, pkg.ErrDescriptorTypeMismatch},
		{"config short", func() error { var d ConfigurationDescriptor; return ParseConfigurationDescriptor(wrong[:4], &d) }, pkg.ErrDescriptorTooShort},
		{"interface wrong type", func() error { var d InterfaceDescriptor; return ParseInterfaceDescriptor(wrong, &d) }, pkg.ErrDescriptorTypeMismatch},
		{"endpoint short", func() error { var d EndpointDescriptor; return ParseEndpointDescriptor(wrong[:6], &d) }, pkg.ErrDescriptorTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.parse(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConfigBuilder(t *testing.T) {
	data := testConfig(t, true)

	var hdr ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(data, &hdr); err != nil {
		t.Fatal(err)
	}
	// 9 + 2*(9) + 3*(7+6)
	if want := 9 + 9 + 2*13 + 9 + 9 + 13; int(hdr.TotalLength) != want || len(data) != want {
		t.Errorf("total length = %d (%d bytes), want %d", hdr.TotalLength, len(data), want)
	}
	if hdr.NumInterfaces != 2 {
		t.Errorf("NumInterfaces = %d, want 2", hdr.NumInterfaces)
	}
	if hdr.Attributes != ConfigAttrBusPowered|ConfigAttrSelfPowered|ConfigAttrRemoteWakeup {
		t.Errorf("Attributes = 0x%02X", hdr.Attributes)
	}

	var types []uint8
	err := WalkDescriptors(data, func(desc []byte) error {
		types = append(types, desc[1])
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []uint8{
		DescriptorTypeConfiguration,
		DescriptorTypeInterface,
		DescriptorTypeEndpoint, DescriptorTypeSSEndpointCompanion,
		DescriptorTypeEndpoint, DescriptorTypeSSEndpointCompanion,
		DescriptorTypeInterface, DescriptorTypeInterface,
		DescriptorTypeEndpoint, DescriptorTypeSSEndpointCompanion,
	}
	if !bytes.Equal(types, want) {
		t.Errorf("types = %v, want %v", types, want)
	}
}

func TestWalkDescriptorsErrors(t *testing.T) {
	stop := errors.New("stop")
	tests := []struct {
		name string
		data []byte
		fn   func([]byte) error
		want error
	}{
		{"empty", nil, nil, nil},
		{"overrun", []byte{9, 2, 0}, nil, pkg.ErrDescriptorTooShort},
		{"zero length", []byte{0, 2}, nil, pkg.ErrDescriptorTooShort},
		{"trailing byte", []byte{2, 3, 1}, nil, pkg.ErrDescriptorTooShort},
		{"callback error", []byte{2, 3}, func([]byte) error { return stop }, stop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := tt.fn
			if fn == nil {
				fn = func([]byte) error { return nil }
			}
			if err := WalkDescriptors(tt.data, fn); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBOSDescriptor(t *testing.T) {
	bos := BOSDescriptor{LPM: true, SpeedsSupported: 0x0E, FunctionalSpeed: 1, U1DevExitLatency: 10, U2DevExitLatency: 2047}
	var buf [BOSSize]byte
	if n := bos.MarshalTo(buf[:]); n != BOSSize {
		t.Fatalf("MarshalTo = %d", n)
	}
	if got := binary.LittleEndian.Uint16(buf[2:4]); got != BOSSize || buf[4] != 2 {
		t.Errorf("header = % X", buf[:BOSHeaderSize])
	}
	ext := buf[BOSHeaderSize:]
	if ext[2] != CapabilityUSB20Extension || ext[3]&0x02 == 0 {
		t.Errorf("usb 2.0 extension = % X", ext[:USB20ExtensionSize])
	}
	ss := ext[USB20ExtensionSize:]
	if ss[2] != CapabilitySuperSpeedUSB || ss[7] != 10 || binary.LittleEndian.Uint16(ss[8:10]) != 2047 {
		t.Errorf("superspeed capability = % X", ss)
	}
	if err := WalkDescriptors(buf[:], func([]byte) error { return nil }); err != nil {
		t.Errorf("walk: %v", err)
	}
}

func TestQualifierTo(t *testing.T) {
	var dev DeviceDescriptor
	if err := ParseDeviceDescriptor(testDeviceDescriptor(false), &dev); err != nil {
		t.Fatal(err)
	}
	var buf [DeviceQualifierSize]byte
	if n := dev.QualifierTo(buf[:]); n != DeviceQualifierSize {
		t.Fatalf("QualifierTo = %d", n)
	}
	want := []byte{10, DescriptorTypeDeviceQualifier, 0x10, 0x02, 0, 0, 0, 64, 1, 0}
	if !bytes.Equal(buf[:], want) {
		t.Errorf("qualifier = % X, want % X", buf, want)
	}
}

func TestStringDescriptorTo(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"", 2},
		{"A", 4},
		{"FX3", 8},
		{"日本語", 8},
		{string(bytes.Repeat([]byte{'A'}, 300)), 254},
	}

	for _, tt := range tests {
		var buf [256]byte
		n := StringDescriptorTo(buf[:], tt.input)
		if n != tt.want || buf[0] != uint8(n) || buf[1] != DescriptorTypeString {
			t.Errorf("StringDescriptorTo(%.8q) = %d, header % X", tt.input, n, buf[:2])
		}
	}

	var short [3]byte
	if n := StringDescriptorTo(short[:], "AB"); n != 0 {
		t.Errorf("short buffer = %d", n)
	}
}

func TestLanguageDescriptorTo(t *testing.T) {
	var buf [6]byte
	n := LanguageDescriptorTo(buf[:], 0x0409, 0x0407)
	if want := []byte{6, DescriptorTypeString, 0x09, 0x04, 0x07, 0x04}; n != 6 || !bytes.Equal(buf[:], want) {
		t.Errorf("language = % X (%d)", buf, n)
	}
}
