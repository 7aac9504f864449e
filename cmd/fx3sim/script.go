package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/ardnew/fx3usb/device"
	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/device/hal/sim"
	"github.com/ardnew/fx3usb/device/link"
	"github.com/ardnew/fx3usb/pkg"
)

// Script errors.
var (
	errUnknownCommand = errors.New("unknown command")
	errUsage          = errors.New("bad arguments")
	errExpect         = errors.New("expectation failed")
)

// runner executes scenario commands against a simulated FX3. Every command
// is followed by one event loop pass, so a script is fully deterministic.
type runner struct {
	m     *sim.Machine
	link  *link.Link
	stack *device.Stack
	out   io.Writer

	// payload for the next control OUT data stage
	outData []byte
}

type command struct {
	usage string
	run   func(r *runner, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"start":    {"start [ss|usb2]", (*runner).start},
		"warm":     {"warm FILE [ss|usb2]", (*runner).warm},
		"stop":     {"stop", (*runner).stop},
		"vbus":     {"vbus on|off", (*runner).vbus},
		"link":     {"link STATE [connect|disconnect|reset|lgou3|error]...", (*runner).moveLink},
		"busreset": {"busreset [hs|fs]", (*runner).busReset},
		"suspend":  {"suspend", (*runner).suspend},
		"resume":   {"resume", (*runner).resume},
		"setup":    {"setup TYPE REQUEST VALUE INDEX LENGTH", (*runner).setup},
		"data":     {"data HEX", (*runner).data},
		"status":   {"status", (*runner).status},
		"lmp":      {"lmp force|release", (*runner).lmp},
		"lpm":      {"lpm auto|accept|reject", (*runner).lpm},
		"advance":  {"advance DURATION", (*runner).advance},
		"expect":   {"expect conn|speed|device|address|ltssm|failures VALUE", (*runner).expect},
		"handoff":  {"handoff FILE", (*runner).handoff},
		"show":     {"show", (*runner).show},
		"help":     {"help", (*runner).help},
	}
}

func newRunner(cfg link.Config, out io.Writer) (*runner, error) {
	descs, err := loopbackDescriptors()
	if err != nil {
		return nil, fmt.Errorf("descriptors: %w", err)
	}
	m := sim.New()
	l, err := link.New(m, cfg)
	if err != nil {
		return nil, err
	}
	m.SetInterruptHandler(l.HandleInterrupt)

	r := &runner{m: m, link: l, out: out}
	r.stack = device.NewStack(device.NewDevice(descs), l)
	r.stack.SetOnEvent(func(ev link.Event) {
		if ev.Kind == link.EventSetupReceived {
			return
		}
		fmt.Fprintf(r.out, "event %v\n", ev)
	})
	m.OnDMA(r.onDMA)
	return r, nil
}

// onDMA completes EP0 transfers at once: IN data is printed, OUT data
// stages receive the payload queued with the data command.
func (r *runner) onDMA(t *sim.Transfer) {
	if t.Dir == hal.DirectionIn {
		fmt.Fprintf(r.out, "in  % X\n", t.Data)
		r.m.Complete(t.Handle, nil, pkg.TransferStatusSuccess)
		return
	}
	data := r.outData
	r.outData = nil
	if len(data) < t.Len {
		data = append(data, make([]byte, t.Len-len(data))...)
	}
	r.m.Complete(t.Handle, data, pkg.TransferStatusSuccess)
}

// exec runs one script line. Blank lines and lines starting with '#' are
// ignored.
func (r *runner) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("%q: %w", line, err)
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%s: %w", args[0], errUnknownCommand)
	}
	pkg.LogDebug(component, "command", "args", args)
	if err := cmd.run(r, ctx, args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			return fmt.Errorf("usage: %s: %w", cmd.usage, err)
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	r.link.ProcessPending()
	return nil
}

func superSpeedArg(args []string, i int) (bool, error) {
	if len(args) <= i {
		return true, nil
	}
	switch args[i] {
	case "ss":
		return true, nil
	case "usb2":
		return false, nil
	}
	return false, errUsage
}

func (r *runner) start(ctx context.Context, args []string) error {
	ss, err := superSpeedArg(args, 0)
	if err != nil {
		return err
	}
	return r.stack.Start(ctx, ss)
}

func (r *runner) warm(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	ss, err := superSpeedArg(args, 1)
	if err != nil {
		return err
	}
	buf, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	// The hand-off table arrives with VBUS already present.
	r.m.PokeBits(hal.GctlIoPower, hal.IoPowerVbus, true)
	r.m.PokeBits(hal.UibPower, hal.PowerVbus, true)
	return r.stack.StartWarm(ctx, buf, ss)
}

func (r *runner) stop(context.Context, []string) error {
	return r.stack.Stop()
}

func (r *runner) vbus(_ context.Context, args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return errUsage
	}
	r.m.SetVbus(args[0] == "on")
	return nil
}

var linkCauses = map[string]uint32{
	"connect":    hal.LnkLtssmConnect,
	"disconnect": hal.LnkLtssmDisconnect,
	"reset":      hal.LnkLtssmReset,
	"lgou3":      hal.LnkLgoU3,
	"error":      hal.LnkErrorLimit,
}

func (r *runner) moveLink(_ context.Context, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	s, ok := hal.ParseLinkState(args[0])
	if !ok {
		return fmt.Errorf("link state %q: %w", args[0], errUsage)
	}
	var extra uint32
	for _, a := range args[1:] {
		bit, ok := linkCauses[a]
		if !ok {
			return fmt.Errorf("link cause %q: %w", a, errUsage)
		}
		extra |= bit
	}
	if extra&hal.LnkErrorLimit != 0 {
		r.m.Poke(hal.LnkErrorCount, 1)
	}
	r.m.MoveLink(s, extra)
	return nil
}

func (r *runner) busReset(_ context.Context, args []string) error {
	hs := true
	if len(args) > 0 {
		switch args[0] {
		case "hs":
		case "fs":
			hs = false
		default:
			return errUsage
		}
	}
	r.m.BusReset(hs)
	return nil
}

func (r *runner) suspend(context.Context, []string) error {
	r.m.Raise(hal.LineDevCtl, hal.DevCtlSusp)
	return nil
}

func (r *runner) resume(context.Context, []string) error {
	r.m.Raise(hal.LineDevCtl, hal.DevCtlUresume)
	return nil
}

func (r *runner) setup(_ context.Context, args []string) error {
	if len(args) != 5 {
		return errUsage
	}
	var v [5]uint64
	for i, a := range args {
		bits := 16
		if i < 2 {
			bits = 8
		}
		n, err := strconv.ParseUint(a, 0, bits)
		if err != nil {
			return fmt.Errorf("%q: %w", a, errUsage)
		}
		v[i] = n
	}
	pkt := hal.SetupPacket{
		RequestType: uint8(v[0]),
		Request:     uint8(v[1]),
		Value:       uint16(v[2]),
		Index:       uint16(v[3]),
		Length:      uint16(v[4]),
	}
	r.m.Setup(r.link.Speed() == hal.SpeedSuper, pkt)
	return nil
}

func (r *runner) data(_ context.Context, args []string) error {
	b, err := hex.DecodeString(strings.Join(args, ""))
	if err != nil {
		return fmt.Errorf("%v: %w", err, errUsage)
	}
	r.outData = b
	return nil
}

func (r *runner) status(context.Context, []string) error {
	r.m.StatusStage(r.link.Speed() == hal.SpeedSuper)
	return nil
}

func (r *runner) lmp(_ context.Context, args []string) error {
	if len(args) != 1 || (args[0] != "force" && args[0] != "release") {
		return errUsage
	}
	r.m.SetLinkFunction(args[0] == "force")
	return nil
}

func (r *runner) lpm(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	for _, m := range []link.LpmMode{link.LpmAuto, link.LpmAccept, link.LpmReject} {
		if m.String() == args[0] {
			return r.link.SetLpmMode(m)
		}
	}
	return errUsage
}

func (r *runner) advance(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	d, err := time.ParseDuration(args[0])
	if err != nil || d < 0 {
		return errUsage
	}
	r.m.Advance(d)
	return nil
}

func (r *runner) expect(_ context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	dev := r.stack.Device()
	var got string
	switch args[0] {
	case "conn":
		got = r.link.State().String()
	case "speed":
		got = r.link.Speed().String()
	case "device":
		got = dev.State().String()
	case "address":
		got = strconv.Itoa(int(dev.Address()))
	case "ltssm":
		got = r.link.LinkState().String()
	case "failures":
		got = strconv.Itoa(r.link.AttemptsFailed())
	default:
		return errUsage
	}
	if got != args[1] {
		return fmt.Errorf("%s is %s, want %s: %w", args[0], got, args[1], errExpect)
	}
	return nil
}

func (r *runner) handoff(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	tbl := r.stack.Handoff()
	if err := os.WriteFile(args[0], tbl.Marshal(), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "handoff %s entries=%d speed=%v\n", args[0], tbl.Len(), tbl.Speed)
	return nil
}

func (r *runner) show(context.Context, []string) error {
	dev := r.stack.Device()
	lpm := r.link.Lpm()
	fmt.Fprintf(r.out, "conn=%v speed=%v ltssm=%v failures=%d device=%v address=%d lpm=%v u1=%v u2=%v elapsed=%v\n",
		r.link.State(), r.link.Speed(), r.link.LinkState(), r.link.AttemptsFailed(),
		dev.State(), dev.Address(), lpm.Mode, lpm.U1Enabled, lpm.U2Enabled, r.m.Elapsed())
	return nil
}

func (r *runner) help(context.Context, []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(r.out, "  %s\n", commands[name].usage)
	}
	return nil
}
