package phy

import (
	"time"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// ClockSource selects the clock feeding the UIB PCLK or the EPM.
type ClockSource uint32

// Clock sources for the two 2-bit selector fields of GCTL_UIB_CORE_CLK.
const (
	ClockHighSpeed  ClockSource = 0 // USB 2.0 PHY 60 MHz
	ClockSuperSpeed ClockSource = 1 // USB 3.0 PIPE 125 MHz
	ClockFullSpeed  ClockSource = 2 // system clock, neutral when no PHY runs
)

// String returns the clock source name.
func (c ClockSource) String() string {
	switch c {
	case ClockHighSpeed:
		return "hs"
	case ClockSuperSpeed:
		return "ss"
	case ClockFullSpeed:
		return "fs"
	default:
		return "unknown"
	}
}

// Settle times.
const (
	// ClockSwitchDelay is the busy-wait around an EPM clock enable toggle.
	ClockSwitchDelay = 5 * time.Microsecond

	// LinkOverrideSettle is how long the LTSSM is held in SS.Disabled when
	// the SuperSpeed PHY comes up.
	LinkOverrideSettle = 100 * time.Microsecond

	// PowerReadyTimeout bounds the wait for the UIB power domain.
	PowerReadyTimeout = 250 * time.Microsecond
)

type regValue struct {
	reg hal.Register
	val uint32
}

// Vendor PHY settings applied when the SuperSpeed PHY is enabled, in order.
var enableWorkarounds = []regValue{
	{hal.PhyLfpsConf, 0x00002C24},
	{hal.PhyCdrConf, 0x0000400A},
	{hal.PhyRxSquelch, 0x00000003},
	{hal.PhyLoopbackCtl, 0x00000000},
}

// Vendor PHY settings applied once a SuperSpeed connection is established.
var connectWorkarounds = []regValue{
	{hal.PhyTxTrim, 0x0000008F},
	{hal.PhyRxEq, 0x00000206},
}

const (
	squelchDefault = 0x00000003
	squelchU3      = 0x0000000B
)

// Controller sequences the USB 2.0 and USB 3.0 PHYs and the shared EPM clock
// mux. It owns every PHY enable bit; callers must not write them directly.
//
// Controller is not safe for concurrent use. It is driven from the link
// event loop only.
type Controller struct {
	hw hal.Controller

	usb2 bool
	usb3 bool

	mpllDefault uint32
}

// New returns a controller with both PHYs off. The current MPLL status is
// recorded as the default restored on every SuperSpeed disable.
func New(hw hal.Controller) *Controller {
	return &Controller{
		hw:          hw,
		mpllDefault: hw.Read(hal.LnkPhyMpllStatus),
	}
}

// Usb2Enabled reports whether the USB 2.0 PHY is enabled.
func (c *Controller) Usb2Enabled() bool { return c.usb2 }

// Usb3Enabled reports whether the USB 3.0 PHY is enabled.
func (c *Controller) Usb3Enabled() bool { return c.usb3 }

// SuperSpeedEpm reports whether the EPM is routed to the SuperSpeed
// protocol layer.
func (c *Controller) SuperSpeedEpm() bool {
	return c.hw.Read(hal.EpmCs)&hal.EpmSsMode != 0
}

// Enable powers the PHY for speed. SpeedHigh and SpeedFull select the USB
// 2.0 PHY (the latter without high-speed chirp). Enabling an already
// enabled PHY does nothing.
func (c *Controller) Enable(speed hal.Speed) {
	switch speed {
	case hal.SpeedSuper:
		if c.usb3 {
			return
		}
		c.powerUp()
		c.enableUsb3()
	case hal.SpeedHigh, hal.SpeedFull:
		if c.usb2 {
			return
		}
		c.powerUp()
		c.enableUsb2(speed == hal.SpeedHigh)
	default:
		pkg.LogWarn(pkg.ComponentPHY, "enable: bad speed", "speed", speed)
	}
}

// Disable reverses Enable for speed. Disabling a PHY that is already off
// touches no register.
func (c *Controller) Disable(speed hal.Speed) {
	switch speed {
	case hal.SpeedSuper:
		if !c.usb3 {
			return
		}
		c.disableUsb3()
	case hal.SpeedHigh, hal.SpeedFull:
		if !c.usb2 {
			return
		}
		c.disableUsb2()
	default:
		pkg.LogWarn(pkg.ComponentPHY, "disable: bad speed", "speed", speed)
		return
	}
	if !c.usb2 && !c.usb3 {
		hal.Clear(c.hw, hal.UibPower, hal.PowerEnable)
		pkg.LogDebug(pkg.ComponentPHY, "uib powered down")
	}
}

// ChangeEpmClockSource reprograms the UIB PCLK and EPM clock selectors with
// the EPM clock gated. Callers that also touch the MPLL registers must hold
// a critical section (see WithInterruptsMasked).
func (c *Controller) ChangeEpmClockSource(pclk, epmclk ClockSource) {
	hal.Clear(c.hw, hal.GctlUibCoreClk, hal.CoreClkEnable)
	c.hw.BusyWait(ClockSwitchDelay)
	hal.Modify(c.hw, hal.GctlUibCoreClk,
		hal.CoreClkPclkSrcMask|hal.CoreClkEpmclkSrcMask,
		uint32(pclk)<<hal.CoreClkPclkSrcShift|uint32(epmclk)<<hal.CoreClkEpmclkSrcShift)
	hal.Set(c.hw, hal.GctlUibCoreClk, hal.CoreClkEnable)
	c.hw.BusyWait(ClockSwitchDelay)
	pkg.LogDebug(pkg.ComponentPHY, "epm clock", "pclk", pclk, "epmclk", epmclk)
}

// WithInterruptsMasked runs fn with every interrupt line masked.
func (c *Controller) WithInterruptsMasked(fn func()) {
	mask := c.hw.DisableAll()
	defer c.hw.Restore(mask)
	fn()
}

// ForceLinkState overrides the LTSSM into s and holds it there.
func (c *Controller) ForceLinkState(s hal.LinkState) {
	c.hw.Write(hal.LnkLtssmState,
		uint32(s)<<hal.LtssmOverrideValueShift&hal.LtssmOverrideValueMask|hal.LtssmOverrideEnable)
}

// ReleaseLinkState drops the LTSSM override.
func (c *Controller) ReleaseLinkState() {
	c.hw.Write(hal.LnkLtssmState, 0)
}

// LinkState returns the observed LTSSM state.
func (c *Controller) LinkState() hal.LinkState {
	return hal.LinkState(c.hw.Read(hal.LnkLtssmState) & hal.LtssmStateMask)
}

// ConnectUsb2 applies (on) or drops the USB 2.0 D+ pull-up.
func (c *Controller) ConnectUsb2(on bool) {
	if on {
		hal.Clear(c.hw, hal.DevPwrCs, hal.DevPwrDisconnect)
	} else {
		hal.Set(c.hw, hal.DevPwrCs, hal.DevPwrDisconnect)
	}
}

// SwitchToSuperSpeed routes the EPM and both UIB clocks to the SuperSpeed
// PHY. The USB 2.0 PHY must already be off.
func (c *Controller) SwitchToSuperSpeed() {
	if c.usb2 {
		pkg.LogWarn(pkg.ComponentPHY, "switching epm to superspeed with usb2 phy on")
	}
	c.ChangeEpmClockSource(ClockSuperSpeed, ClockSuperSpeed)
	hal.Set(c.hw, hal.EpmCs, hal.EpmSsMode)
}

// ApplyConnectWorkarounds writes the TX trim and RX equalizer settings used
// once SuperSpeed training has succeeded.
func (c *Controller) ApplyConnectWorkarounds() {
	for _, rv := range connectWorkarounds {
		c.hw.Write(rv.reg, rv.val)
	}
}

// SetSquelchWorkaround switches the RX squelch threshold used while the
// link sits in U3.
func (c *Controller) SetSquelchWorkaround(on bool) {
	v := uint32(squelchDefault)
	if on {
		v = squelchU3
	}
	c.hw.Write(hal.PhyRxSquelch, v)
}

func (c *Controller) powerUp() {
	if c.hw.Read(hal.UibPower)&hal.PowerEnable != 0 {
		return
	}
	hal.Set(c.hw, hal.UibPower, hal.PowerEnable)
	if !hal.WaitFor(c.hw, c.hw, hal.UibPower, hal.PowerActive, hal.PowerActive,
		PowerReadyTimeout, 10*time.Microsecond) {
		pkg.LogWarn(pkg.ComponentPHY, "uib power not ready", "timeout", PowerReadyTimeout)
	}
}

func (c *Controller) enableUsb3() {
	for _, rv := range enableWorkarounds {
		c.hw.Write(rv.reg, rv.val)
	}
	c.hw.Write(hal.LnkConf, hal.LnkConfTxTrainEnable|hal.LnkConfLfpsEnable)

	c.ForceLinkState(hal.LinkSSDisabled)
	hal.Set(c.hw, hal.LnkPhyConf, hal.PhyConfEnable|hal.PhyConfRxTermEn|hal.PhyConfTxDeemph)
	if !c.usb2 {
		c.ChangeEpmClockSource(ClockSuperSpeed, ClockSuperSpeed)
	}
	c.hw.BusyWait(LinkOverrideSettle)
	c.ReleaseLinkState()

	c.hw.Write(hal.LnkIntr, hal.LnkIntrAll)
	c.hw.Write(hal.ProtIntr, hal.ProtIntrAll)
	c.hw.Write(hal.LnkIntrMask, hal.LnkIntrAll)
	c.hw.Write(hal.ProtIntrMask, hal.ProtIntrAll)
	c.hw.Write(hal.ProtEpIntrMask, hal.EpIntrUnderrunMask)
	c.hw.EnableLine(hal.LineLink)
	c.hw.EnableLine(hal.LineProt)
	c.hw.EnableLine(hal.LineProtEp)

	c.usb3 = true
	pkg.LogInfo(pkg.ComponentPHY, "usb3 phy enabled", "parallel", c.usb2)
}

func (c *Controller) disableUsb3() {
	for _, l := range []hal.Line{hal.LineLink, hal.LineProt, hal.LineProtEp} {
		c.hw.DisableLine(l)
		c.hw.ClearLine(l)
	}
	c.hw.Write(hal.LnkIntrMask, 0)
	c.hw.Write(hal.ProtIntrMask, 0)
	c.hw.Write(hal.ProtEpIntrMask, 0)
	c.hw.Write(hal.LnkIntr, hal.LnkIntrAll)
	c.hw.Write(hal.ProtIntr, hal.ProtIntrAll)
	c.hw.Write(hal.ProtEpIntr, hal.EpIntrUnderrunMask)

	hal.Clear(c.hw, hal.LnkPhyConf, hal.PhyConfEnable|hal.PhyConfRxTermEn|hal.PhyConfTxDeemph|hal.PhyConfSquelchFix)
	c.hw.Write(hal.LnkConf, 0)
	hal.Clear(c.hw, hal.EpmCs, hal.EpmSsMode)

	// The MPLL restore and the clock re-mux must not be split by a link
	// state change interrupt.
	c.WithInterruptsMasked(func() {
		c.hw.Write(hal.LnkPhyMpllStatus, c.mpllDefault)
		if c.usb2 {
			c.ChangeEpmClockSource(ClockHighSpeed, ClockHighSpeed)
		} else {
			c.ChangeEpmClockSource(ClockFullSpeed, ClockFullSpeed)
		}
	})

	c.usb3 = false
	pkg.LogInfo(pkg.ComponentPHY, "usb3 phy disabled", "usb2", c.usb2)
}

func (c *Controller) enableUsb2(highSpeed bool) {
	v := hal.DevPwrPhyEnable | hal.DevPwrDisconnect
	if highSpeed {
		v |= hal.DevPwrHsEnable
	} else {
		v |= hal.DevPwrFsTerm
	}
	hal.Modify(c.hw, hal.DevPwrCs, hal.DevPwrPhyEnable|hal.DevPwrHsEnable|hal.DevPwrFsTerm, v)
	if !c.SuperSpeedEpm() {
		c.ChangeEpmClockSource(ClockHighSpeed, ClockHighSpeed)
	}

	c.hw.Write(hal.DevCtlIntr, hal.DevCtlAll)
	c.hw.Write(hal.DevCtlIntrMask, hal.DevCtlAll)
	c.hw.Write(hal.DevEpIntrMask, hal.EpIntrUnderrunMask)
	c.hw.EnableLine(hal.LineDevCtl)
	c.hw.EnableLine(hal.LineDevEp)

	c.usb2 = true
	c.ConnectUsb2(true)
	pkg.LogInfo(pkg.ComponentPHY, "usb2 phy enabled", "highspeed", highSpeed, "parallel", c.usb3)
}

func (c *Controller) disableUsb2() {
	c.hw.DisableLine(hal.LineDevCtl)
	c.hw.DisableLine(hal.LineDevEp)
	c.hw.ClearLine(hal.LineDevCtl)
	c.hw.ClearLine(hal.LineDevEp)
	c.hw.Write(hal.DevCtlIntrMask, 0)
	c.hw.Write(hal.DevEpIntrMask, 0)
	c.hw.Write(hal.DevCtlIntr, hal.DevCtlAll)
	c.hw.Write(hal.DevEpIntr, hal.EpIntrUnderrunMask)

	c.ConnectUsb2(false)
	hal.Clear(c.hw, hal.DevPwrCs, hal.DevPwrPhyEnable|hal.DevPwrHsEnable|hal.DevPwrFsTerm)

	c.usb2 = false
	if c.usb3 {
		c.ChangeEpmClockSource(ClockSuperSpeed, ClockSuperSpeed)
	} else {
		c.ChangeEpmClockSource(ClockFullSpeed, ClockFullSpeed)
	}
	pkg.LogInfo(pkg.ComponentPHY, "usb2 phy disabled", "usb3", c.usb3)
}

// Adopt records the PHY for speed as already running, as left by a
// previous firmware image, and re-arms its interrupts without touching the
// PHY configuration.
func (c *Controller) Adopt(speed hal.Speed) {
	switch speed {
	case hal.SpeedSuper:
		c.usb3 = true
		c.hw.Write(hal.LnkIntrMask, hal.LnkIntrAll)
		c.hw.Write(hal.ProtIntrMask, hal.ProtIntrAll)
		c.hw.Write(hal.ProtEpIntrMask, hal.EpIntrUnderrunMask)
		c.hw.EnableLine(hal.LineLink)
		c.hw.EnableLine(hal.LineProt)
		c.hw.EnableLine(hal.LineProtEp)
	case hal.SpeedHigh, hal.SpeedFull:
		c.usb2 = true
		c.hw.Write(hal.DevCtlIntrMask, hal.DevCtlAll)
		c.hw.Write(hal.DevEpIntrMask, hal.EpIntrUnderrunMask)
		c.hw.EnableLine(hal.LineDevCtl)
		c.hw.EnableLine(hal.LineDevEp)
	default:
		return
	}
	pkg.LogInfo(pkg.ComponentPHY, "adopted running phy", "speed", speed)
}
