// Command fx3probe reports the connection an attached FX3 device negotiated
// with the host.
//
// It lists every matching device with its bus position, speed, bcdUSB and
// EP0 packet size, and checks that the device descriptor the firmware
// served fits the speed the host sees: a SuperSpeed connection must carry
// a USB 3.x device descriptor with a 512 byte EP0, a USB 2.0 connection a
// USB 2.x one. With -want, the probe fails unless the device came up at the
// expected speed, which makes it usable to verify SuperSpeed fallback on
// real hardware.
//
// Usage:
//
//	fx3probe [options]
//
// Options:
//
//	-vid ID      Vendor ID (default: 04b4)
//	-pid ID      Product ID (default: 00f1)
//	-bus B:A     Only the device at bus B, address A
//	-want SPEED  Require super, high or full speed
//	-v           Enable verbose (debug) logging
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/gousb"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// component identifies this executable for structured logging.
const component = pkg.Component("fx3probe")

// Probe errors.
var (
	errNoDevice      = errors.New("no matching device")
	errSpeedMismatch = errors.New("unexpected speed")
	errDescriptor    = errors.New("descriptor does not match speed")
)

func main() {
	vid := flag.String("vid", "04b4", "vendor `id` (hex)")
	pid := flag.String("pid", "00f1", "product `id` (hex)")
	busAddr := flag.String("bus", "", "only the device at `bus:addr`")
	want := flag.String("want", "", "require `speed` (super, high, full)")
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}

	f, err := newFilter(*vid, *pid, *busAddr)
	if err != nil {
		pkg.LogError(component, "bad arguments", "error", err)
		os.Exit(2)
	}
	var wantSpeed hal.Speed
	if *want != "" {
		if wantSpeed, err = parseSpeed(*want); err != nil {
			pkg.LogError(component, "bad arguments", "error", err)
			os.Exit(2)
		}
	}

	descs, err := scan(f)
	if err != nil {
		pkg.LogError(component, "usb scan failed", "error", err)
		os.Exit(1)
	}
	if len(descs) == 0 {
		pkg.LogError(component, "probe failed", "error", errNoDevice, "vid", *vid, "pid", *pid)
		os.Exit(1)
	}

	vendors := loadVendors(idPaths)
	failed := false
	for _, d := range descs {
		r := inspect(d)
		r.VendorName, r.ProductName = names(vendors, d.Vendor, d.Product)
		fmt.Println(r)
		if err := r.check(wantSpeed); err != nil {
			pkg.LogError(component, "probe failed", "bus", d.Bus, "address", d.Address, "error", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// filter selects devices by ID and, optionally, bus position.
type filter struct {
	vendor, product gousb.ID
	bus, address    int
}

func newFilter(vid, pid, busAddr string) (filter, error) {
	f := filter{bus: -1, address: -1}
	v, err := strconv.ParseUint(vid, 16, 16)
	if err != nil {
		return f, fmt.Errorf("vendor id %q: %w", vid, pkg.ErrBadArgument)
	}
	p, err := strconv.ParseUint(pid, 16, 16)
	if err != nil {
		return f, fmt.Errorf("product id %q: %w", pid, pkg.ErrBadArgument)
	}
	f.vendor, f.product = gousb.ID(v), gousb.ID(p)
	if busAddr == "" {
		return f, nil
	}
	s := strings.Split(busAddr, ":")
	if len(s) != 2 {
		return f, fmt.Errorf("bus address %q: %w", busAddr, pkg.ErrBadArgument)
	}
	b, err1 := strconv.ParseUint(s[0], 10, 8)
	a, err2 := strconv.ParseUint(s[1], 10, 8)
	if err1 != nil || err2 != nil {
		return f, fmt.Errorf("bus address %q: %w", busAddr, pkg.ErrBadArgument)
	}
	f.bus, f.address = int(b), int(a)
	return f, nil
}

func (f filter) match(d *gousb.DeviceDesc) bool {
	if f.bus >= 0 && (d.Bus != f.bus || d.Address != f.address) {
		return false
	}
	return d.Vendor == f.vendor && d.Product == f.product
}

// scan collects the descriptors of matching devices without opening them,
// so no device access permission is needed.
func scan(f filter) ([]*gousb.DeviceDesc, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	var found []*gousb.DeviceDesc
	_, err := ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		if f.match(d) {
			pkg.LogDebug(component, "found device", "bus", d.Bus, "address", d.Address, "speed", d.Speed)
			found = append(found, d)
		}
		return false
	})
	return found, err
}

func parseSpeed(s string) (hal.Speed, error) {
	switch strings.ToLower(s) {
	case "super", "ss":
		return hal.SpeedSuper, nil
	case "high", "hs":
		return hal.SpeedHigh, nil
	case "full", "fs":
		return hal.SpeedFull, nil
	}
	return hal.SpeedNotConnected, fmt.Errorf("speed %q: %w", s, pkg.ErrBadArgument)
}

// halSpeed maps the host-reported speed onto the link speed.
func halSpeed(s gousb.Speed) hal.Speed {
	switch s {
	case gousb.SpeedSuper:
		return hal.SpeedSuper
	case gousb.SpeedHigh:
		return hal.SpeedHigh
	case gousb.SpeedFull:
		return hal.SpeedFull
	default:
		return hal.SpeedNotConnected
	}
}

// report is what the probe learned about one device.
type report struct {
	Bus, Address int
	Vendor       gousb.ID
	Product      gousb.ID
	Speed        hal.Speed
	Spec         gousb.BCD
	// EP0 packet size in bytes, decoded for the speed
	MaxPacket0 int

	VendorName, ProductName string
}

func inspect(d *gousb.DeviceDesc) report {
	r := report{
		Bus:        d.Bus,
		Address:    d.Address,
		Vendor:     d.Vendor,
		Product:    d.Product,
		Speed:      halSpeed(d.Speed),
		Spec:       d.Spec,
		MaxPacket0: d.MaxControlPacketSize,
	}
	// SuperSpeed descriptors carry bMaxPacketSize0 as an exponent.
	if r.Speed == hal.SpeedSuper && r.MaxPacket0 < 16 {
		r.MaxPacket0 = 1 << r.MaxPacket0
	}
	return r
}

func (r report) String() string {
	s := fmt.Sprintf("bus %03d addr %03d %s:%s speed=%v usb=%s ep0=%d",
		r.Bus, r.Address, r.Vendor, r.Product, r.Speed, r.Spec, r.MaxPacket0)
	if r.VendorName != "" {
		s += fmt.Sprintf(" (%s", r.VendorName)
		if r.ProductName != "" {
			s += " " + r.ProductName
		}
		s += ")"
	}
	return s
}

// check verifies the descriptor against the connection speed and, when
// want is set, the speed itself.
func (r report) check(want hal.Speed) error {
	if want != hal.SpeedNotConnected && r.Speed != want {
		return fmt.Errorf("speed %v, want %v: %w", r.Speed, want, errSpeedMismatch)
	}
	super := r.Speed == hal.SpeedSuper
	if super != (r.Spec >= 0x0300) {
		return fmt.Errorf("bcdUSB %s at %v: %w", r.Spec, r.Speed, errDescriptor)
	}
	if mps := int(r.Speed.MaxPacketSize0()); mps != 0 && r.MaxPacket0 != mps &&
		!(r.Speed == hal.SpeedFull && r.MaxPacket0 >= 8) {
		return fmt.Errorf("ep0 packet size %d at %v: %w", r.MaxPacket0, r.Speed, errDescriptor)
	}
	return nil
}
