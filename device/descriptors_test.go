package device

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ardnew/fx3usb/device/boot"
	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

func TestDescriptorsSetErrors(t *testing.T) {
	cfg := testConfig(t, false)
	badTotal := append([]byte(nil), cfg...)
	badTotal[2]++

	tests := []struct {
		name  string
		typ   boot.DescType
		index uint8
		data  []byte
		want  error
	}{
		{"total length", boot.DescHSConfig, 0, badTotal, pkg.ErrDescriptorTooShort},
		{"truncated config", boot.DescFSConfig, 0, cfg[:12], pkg.ErrDescriptorTooShort},
		{"device in config slot", boot.DescSSConfig, 0, testDeviceDescriptor(true), pkg.ErrDescriptorTypeMismatch},
		{"config in device slot", boot.DescSSDevice, 0, cfg, pkg.ErrDescriptorTypeMismatch},
		{"indexed device", boot.DescHSDevice, 1, testDeviceDescriptor(false), pkg.ErrBadArgument},
		{"nil", boot.DescString, 3, nil, pkg.ErrNullPointer},
		{"bad slot", boot.NumDescTypes, 0, cfg, pkg.ErrBadArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDescriptors()
			if err := d.Set(tt.typ, tt.index, tt.data); !errors.Is(err, tt.want) {
				t.Errorf("Set = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDescriptorsLookup(t *testing.T) {
	d := testDescriptors(t)
	ssConfig := testConfig(t, true)
	hsConfig := testConfig(t, false)

	tests := []struct {
		name     string
		speed    hal.Speed
		descType uint8
		index    uint8
		want     []byte
		err      error
	}{
		{"ss device", hal.SpeedSuper, DescriptorTypeDevice, 0, testDeviceDescriptor(true), nil},
		{"hs device", hal.SpeedHigh, DescriptorTypeDevice, 0, testDeviceDescriptor(false), nil},
		{"fs device", hal.SpeedFull, DescriptorTypeDevice, 0, testDeviceDescriptor(false), nil},
		{"ss config", hal.SpeedSuper, DescriptorTypeConfiguration, 0, ssConfig, nil},
		{"hs config", hal.SpeedHigh, DescriptorTypeConfiguration, 0, hsConfig, nil},
		{"config index", hal.SpeedHigh, DescriptorTypeConfiguration, 1, nil, pkg.ErrInvalidRequest},
		{"string", hal.SpeedHigh, DescriptorTypeString, 2, []byte{8, 3, 'F', 0, 'X', 0, '3', 0}, nil},
		{"languages", hal.SpeedSuper, DescriptorTypeString, 0, []byte{4, 3, 0x09, 0x04}, nil},
		{"missing string", hal.SpeedHigh, DescriptorTypeString, 9, nil, pkg.ErrInvalidRequest},
		{"qualifier at ss", hal.SpeedSuper, DescriptorTypeDeviceQualifier, 0, nil, pkg.ErrNotSupported},
		{"other speed at ss", hal.SpeedSuper, DescriptorTypeOtherSpeedConfig, 0, nil, pkg.ErrNotSupported},
		{"otg missing", hal.SpeedHigh, DescriptorTypeOTG, 0, nil, pkg.ErrInvalidRequest},
		{"unknown", hal.SpeedHigh, DescriptorTypeInterface, 0, nil, pkg.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf [MaxDescriptorResponseSize]byte
			n, err := d.Lookup(tt.speed, tt.descType, tt.index, buf[:])
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if err == nil && !bytes.Equal(buf[:n], tt.want) {
				t.Errorf("got % X\nwant % X", buf[:n], tt.want)
			}
		})
	}
}

func TestDescriptorsOtherSpeedAndQualifier(t *testing.T) {
	d := testDescriptors(t)
	var buf [MaxDescriptorResponseSize]byte

	n, err := d.Lookup(hal.SpeedHigh, DescriptorTypeOtherSpeedConfig, 0, buf[:])
	if err != nil {
		t.Fatal(err)
	}
	want := testConfig(t, false)
	want[1] = DescriptorTypeOtherSpeedConfig
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("other speed = % X", buf[:n])
	}
	if d.Get(boot.DescFSConfig, 0)[1] != DescriptorTypeConfiguration {
		t.Error("lookup modified the stored descriptor")
	}

	n, err = d.Lookup(hal.SpeedHigh, DescriptorTypeDeviceQualifier, 0, buf[:])
	if err != nil || n != DeviceQualifierSize || buf[1] != DescriptorTypeDeviceQualifier {
		t.Errorf("derived qualifier = % X, %v", buf[:n], err)
	}

	explicit := []byte{10, DescriptorTypeDeviceQualifier, 0x00, 0x02, 0xFF, 0, 0, 64, 1, 0}
	if err := d.Set(boot.DescDeviceQualifier, 0, explicit); err != nil {
		t.Fatal(err)
	}
	n, _ = d.Lookup(hal.SpeedFull, DescriptorTypeDeviceQualifier, 0, buf[:])
	if !bytes.Equal(buf[:n], explicit) {
		t.Errorf("explicit qualifier = % X", buf[:n])
	}

	if _, err := d.Lookup(hal.SpeedSuper, DescriptorTypeConfiguration, 0, buf[:8]); !errors.Is(err, pkg.ErrBufferTooSmall) {
		t.Errorf("short buffer = %v", err)
	}
}

func TestDescriptorsReplace(t *testing.T) {
	d := NewDescriptors()
	if err := d.SetStrings("A"); err != nil {
		t.Fatal(err)
	}
	if err := d.SetStrings("BB"); err != nil {
		t.Fatal(err)
	}
	if got := d.Get(boot.DescString, 1); !bytes.Equal(got, []byte{6, 3, 'B', 0, 'B', 0}) {
		t.Errorf("string 1 = % X", got)
	}
	if d.Get(boot.DescString, 2) != nil {
		t.Error("unexpected string 2")
	}
}

// The descriptor set survives the trip through a warm-boot image.
func TestDescriptorsWarmBootHandoff(t *testing.T) {
	d := testDescriptors(t)
	tbl := d.Table(true, hal.SpeedSuper)
	if !tbl.UsbOn || !tbl.SSConnect || tbl.Speed != hal.SpeedSuper {
		t.Errorf("table state = %+v", tbl)
	}

	st, got, err := boot.CheckNoRenumStructure(tbl.Marshal())
	if err != nil {
		t.Fatalf("CheckNoRenumStructure: %v", err)
	}
	if !st.UsbWasOn || st.Speed != hal.SpeedSuper {
		t.Errorf("state = %+v", st)
	}

	restored := NewDescriptors()
	if err := restored.LoadTable(got); err != nil {
		t.Fatal(err)
	}
	for _, e := range tbl.Entries() {
		if !bytes.Equal(restored.Get(e.Type, e.Index), e.Data) {
			t.Errorf("%v[%d] not restored", e.Type, e.Index)
		}
	}
	if err := restored.LoadTable(nil); !errors.Is(err, pkg.ErrNullPointer) {
		t.Errorf("LoadTable(nil) = %v", err)
	}

	off := d.Table(false, hal.SpeedNotConnected)
	if off.UsbOn || off.SSConnect || off.Len() != tbl.Len() {
		t.Errorf("usb off table = %+v", off)
	}
}

func TestParseConfigInfo(t *testing.T) {
	var info configInfo
	if err := parseConfigInfo(testConfig(t, true), &info); err != nil {
		t.Fatal(err)
	}
	if info.value != 1 || info.interfaces != 2 || info.maxPower != 50 {
		t.Errorf("info = %+v", info)
	}
	if info.alternates[0] != 1 || info.alternates[1] != 2 {
		t.Errorf("alternates = %v", info.alternates[:2])
	}
	for _, addr := range []uint8{0x81, 0x01, 0x83} {
		if !info.endpoints[endpointIndex(addr)] {
			t.Errorf("endpoint 0x%02X missing", addr)
		}
	}
	if info.endpoints[endpointIndex(0x02)] {
		t.Error("unexpected endpoint 0x02")
	}
	if !info.isoch[endpointIndex(0x83)] || info.isoch[endpointIndex(0x81)] {
		t.Error("isochronous flags")
	}
	if err := parseConfigInfo(nil, &info); !errors.Is(err, pkg.ErrDescriptorTooShort) {
		t.Errorf("nil config = %v", err)
	}
	if got := maxPowerMilliamps(hal.SpeedSuper, 50); got != 400 {
		t.Errorf("ss max power = %d", got)
	}
	if got := maxPowerMilliamps(hal.SpeedHigh, 50); got != 100 {
		t.Errorf("hs max power = %d", got)
	}
}
