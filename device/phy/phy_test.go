package phy

import (
	"testing"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/device/hal/sim"
)

func newTestController(t *testing.T) (*Controller, *sim.Machine) {
	t.Helper()
	m := sim.New()
	m.Poke(hal.LnkPhyMpllStatus, 0x1234)
	return New(m), m
}

func indexOf(ws []sim.WriteRecord, reg hal.Register, pred func(uint32) bool) int {
	for i, w := range ws {
		if w.Reg == reg && pred(w.Value) {
			return i
		}
	}
	return -1
}

func TestEnableSuperSpeedSequence(t *testing.T) {
	c, m := newTestController(t)
	m.SetLinkState(hal.LinkRxDetectActive)

	c.Enable(hal.SpeedSuper)

	if !c.Usb3Enabled() || c.Usb2Enabled() {
		t.Fatalf("usb3=%v usb2=%v", c.Usb3Enabled(), c.Usb2Enabled())
	}
	ws := m.Writes()
	power := indexOf(ws, hal.UibPower, func(v uint32) bool { return v&hal.PowerEnable != 0 })
	force := indexOf(ws, hal.LnkLtssmState, func(v uint32) bool { return v&hal.LtssmOverrideEnable != 0 })
	release := indexOf(ws, hal.LnkLtssmState, func(v uint32) bool { return v == 0 })
	phyOn := indexOf(ws, hal.LnkPhyConf, func(v uint32) bool { return v&hal.PhyConfEnable != 0 })
	mask := indexOf(ws, hal.LnkIntrMask, func(v uint32) bool { return v == hal.LnkIntrAll })

	if power < 0 || force < 0 || release < 0 || phyOn < 0 || mask < 0 {
		t.Fatalf("missing writes: power=%d force=%d release=%d phy=%d mask=%d", power, force, release, phyOn, mask)
	}
	if !(power < force && force < phyOn && phyOn < release && release < mask) {
		t.Errorf("order: power=%d force=%d phy=%d release=%d mask=%d", power, force, phyOn, release, mask)
	}
	if held := ws[release].At - ws[force].At; held < LinkOverrideSettle {
		t.Errorf("override held for %v, want >= %v", held, LinkOverrideSettle)
	}
	if m.LinkState() != hal.LinkRxDetectActive {
		t.Errorf("override not released: %v", m.LinkState())
	}
	for _, l := range []hal.Line{hal.LineLink, hal.LineProt, hal.LineProtEp} {
		if !m.LineEnabled(l) {
			t.Errorf("line %v not enabled", l)
		}
	}
	if m.LineEnabled(hal.LineDevCtl) {
		t.Error("usb2 line enabled by superspeed enable")
	}
	src := hal.Get(m, hal.GctlUibCoreClk, hal.CoreClkEpmclkSrcMask, hal.CoreClkEpmclkSrcShift)
	if ClockSource(src) != ClockSuperSpeed {
		t.Errorf("epm clock = %v", ClockSource(src))
	}
}

func TestEnableHighSpeed(t *testing.T) {
	c, m := newTestController(t)
	c.Enable(hal.SpeedHigh)

	pwr := m.Read(hal.DevPwrCs)
	if pwr&hal.DevPwrPhyEnable == 0 || pwr&hal.DevPwrHsEnable == 0 {
		t.Errorf("DevPwrCs = 0x%X", pwr)
	}
	if pwr&hal.DevPwrDisconnect != 0 {
		t.Error("pull-up not applied")
	}
	if !m.LineEnabled(hal.LineDevCtl) || !m.LineEnabled(hal.LineDevEp) {
		t.Error("usb2 lines not enabled")
	}
	src := hal.Get(m, hal.GctlUibCoreClk, hal.CoreClkEpmclkSrcMask, hal.CoreClkEpmclkSrcShift)
	if ClockSource(src) != ClockHighSpeed {
		t.Errorf("epm clock = %v", ClockSource(src))
	}

	c.Enable(hal.SpeedFull)
	if m.Read(hal.DevPwrCs)&hal.DevPwrFsTerm != 0 {
		t.Error("second enable reconfigured the running phy")
	}
}

func TestDisableIdempotent(t *testing.T) {
	for _, speed := range []hal.Speed{hal.SpeedSuper, hal.SpeedHigh} {
		t.Run(speed.String(), func(t *testing.T) {
			c, m := newTestController(t)
			other := hal.SpeedHigh
			if speed == hal.SpeedHigh {
				other = hal.SpeedSuper
			}
			c.Enable(other)
			c.Disable(other)
			m.ResetWrites()
			crit := m.CriticalSections()

			c.Disable(other)
			c.Disable(speed)

			if n := len(m.Writes()); n != 0 {
				t.Errorf("disable of a disabled phy wrote %d registers: %v", n, m.Writes())
			}
			if m.CriticalSections() != crit {
				t.Error("disable of a disabled phy entered a critical section")
			}
		})
	}
}

func TestDisableLeavesOtherPhy(t *testing.T) {
	c, m := newTestController(t)
	c.Enable(hal.SpeedHigh)
	c.Enable(hal.SpeedSuper)
	devPwr := m.Read(hal.DevPwrCs)

	c.Disable(hal.SpeedSuper)

	if !c.Usb2Enabled() {
		t.Fatal("usb2 phy dropped")
	}
	if got := m.Read(hal.DevPwrCs); got != devPwr {
		t.Errorf("DevPwrCs changed: 0x%X -> 0x%X", devPwr, got)
	}
	if !m.LineEnabled(hal.LineDevCtl) {
		t.Error("usb2 line disabled")
	}
	if m.LineEnabled(hal.LineLink) {
		t.Error("link line still enabled")
	}
	if m.Read(hal.LnkPhyMpllStatus) != 0x1234 {
		t.Errorf("mpll = 0x%X, want default", m.Read(hal.LnkPhyMpllStatus))
	}
	if m.CriticalSections() == 0 {
		t.Error("mpll restore outside critical section")
	}
	src := hal.Get(m, hal.GctlUibCoreClk, hal.CoreClkEpmclkSrcMask, hal.CoreClkEpmclkSrcShift)
	if ClockSource(src) != ClockHighSpeed {
		t.Errorf("epm clock = %v, want hs", ClockSource(src))
	}
	if m.Read(hal.UibPower)&hal.PowerEnable == 0 {
		t.Error("uib powered down with usb2 running")
	}

	c.Disable(hal.SpeedHigh)
	if m.Read(hal.UibPower)&hal.PowerEnable != 0 {
		t.Error("uib still powered with both phys off")
	}
	src = hal.Get(m, hal.GctlUibCoreClk, hal.CoreClkEpmclkSrcMask, hal.CoreClkEpmclkSrcShift)
	if ClockSource(src) != ClockFullSpeed {
		t.Errorf("epm clock = %v, want fs", ClockSource(src))
	}
}

func TestChangeEpmClockSource(t *testing.T) {
	c, m := newTestController(t)
	m.Poke(hal.GctlUibCoreClk, hal.CoreClkEnable)

	c.ChangeEpmClockSource(ClockSuperSpeed, ClockHighSpeed)

	ws := m.Writes()
	if len(ws) != 3 {
		t.Fatalf("writes = %v", ws)
	}
	if ws[0].Value&hal.CoreClkEnable != 0 {
		t.Error("clock not gated first")
	}
	if ws[2].Value&hal.CoreClkEnable == 0 {
		t.Error("clock not re-enabled last")
	}
	if ws[1].At-ws[0].At < ClockSwitchDelay {
		t.Error("no settle delay after gating")
	}
	if got := hal.Get(m, hal.GctlUibCoreClk, hal.CoreClkPclkSrcMask, hal.CoreClkPclkSrcShift); got != uint32(ClockSuperSpeed) {
		t.Errorf("pclk = %d", got)
	}
	if got := hal.Get(m, hal.GctlUibCoreClk, hal.CoreClkEpmclkSrcMask, hal.CoreClkEpmclkSrcShift); got != uint32(ClockHighSpeed) {
		t.Errorf("epmclk = %d", got)
	}
}

func TestSwitchToSuperSpeed(t *testing.T) {
	c, _ := newTestController(t)
	c.Enable(hal.SpeedHigh)
	c.Enable(hal.SpeedSuper)
	if c.SuperSpeedEpm() {
		t.Fatal("epm routed to superspeed while usb2 drives the bus")
	}
	c.Disable(hal.SpeedHigh)
	c.SwitchToSuperSpeed()
	if !c.SuperSpeedEpm() {
		t.Error("epm not routed to superspeed")
	}
	if c.Usb2Enabled() && c.SuperSpeedEpm() {
		t.Error("both paths active")
	}
}

func TestSquelchWorkaround(t *testing.T) {
	c, m := newTestController(t)
	c.SetSquelchWorkaround(true)
	if m.Read(hal.PhyRxSquelch) != squelchU3 {
		t.Errorf("squelch = 0x%X", m.Read(hal.PhyRxSquelch))
	}
	c.SetSquelchWorkaround(false)
	if m.Read(hal.PhyRxSquelch) != squelchDefault {
		t.Errorf("squelch = 0x%X", m.Read(hal.PhyRxSquelch))
	}
}
