package link

import (
	"fmt"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// LpmMode is the application policy for host-initiated U1/U2 entry.
type LpmMode uint32

// LPM policies.
const (
	// LpmAuto accepts host requests and lets the device initiate U1/U2 on
	// its own for every state the host has enabled.
	LpmAuto LpmMode = iota
	// LpmAccept accepts host requests but never initiates entry.
	LpmAccept
	// LpmReject rejects every host request.
	LpmReject
)

// String returns the mode name.
func (m LpmMode) String() string {
	switch m {
	case LpmAuto:
		return "auto"
	case LpmAccept:
		return "accept"
	case LpmReject:
		return "reject"
	default:
		return fmt.Sprintf("LpmMode(%d)", uint32(m))
	}
}

const (
	u1Enabled uint32 = 1 << 0
	u2Enabled uint32 = 1 << 1
	u1u2Valid uint32 = 1 << 31
)

type lpmState struct {
	mode        LpmMode
	forceAccept bool
	wakeWindow  bool
	u1, u2      bool
}

// LpmState is a snapshot of the LPM negotiator.
type LpmState struct {
	Mode        LpmMode
	Disabled    bool // the application rejects U1/U2
	ForceAccept bool // host sent Force_LinkPM_Accept
	WakeWindow  bool // autonomous entry held off after a U1/U2 exit
	U1Enabled   bool // host enabled device-initiated U1
	U2Enabled   bool // host enabled device-initiated U2
}

// Lpm returns the negotiator state. Call from the event loop or while the
// loop is idle.
func (l *Link) Lpm() LpmState {
	return LpmState{
		Mode:        l.lpm.mode,
		Disabled:    l.lpm.mode == LpmReject,
		ForceAccept: l.lpm.forceAccept,
		WakeWindow:  l.lpm.wakeWindow,
		U1Enabled:   l.lpm.u1,
		U2Enabled:   l.lpm.u2,
	}
}

// SetLpmMode changes the application LPM policy. It takes effect on the
// next event loop pass.
func (l *Link) SetLpmMode(m LpmMode) error {
	if m > LpmReject {
		return fmt.Errorf("lpm mode %d: %w", m, pkg.ErrBadArgument)
	}
	l.lpmRequest.Store(uint32(m))
	l.post(causePolicy)
	return nil
}

// SetU1U2Enable records the host's U1_ENABLE / U2_ENABLE feature state.
// It takes effect on the next event loop pass.
func (l *Link) SetU1U2Enable(u1, u2 bool) {
	v := u1u2Valid
	if u1 {
		v |= u1Enabled
	}
	if u2 {
		v |= u2Enabled
	}
	l.u1u2Request.Store(v)
	l.post(causePolicy)
}

func (l *Link) onPolicy() {
	l.lpm.mode = LpmMode(l.lpmRequest.Load())
	if v := l.u1u2Request.Swap(0); v&u1u2Valid != 0 {
		l.lpm.u1 = v&u1Enabled != 0
		l.lpm.u2 = v&u2Enabled != 0
	}
	pkg.LogInfo(pkg.ComponentLPM, "lpm policy",
		"mode", l.lpm.mode,
		"u1", l.lpm.u1,
		"u2", l.lpm.u2)
	l.applyLpm()
}

// onLmp follows the Force_LinkPM_Accept bit of the last Set Link Function
// LMP. While set it overrides the application policy.
func (l *Link) onLmp() {
	force := l.lmpForce.Load()
	if force == l.lpm.forceAccept {
		return
	}
	l.lpm.forceAccept = force
	pkg.LogInfo(pkg.ComponentLPM, "force link pm accept", "force", force)
	l.applyLpm()
}

// lpmBits returns the power control bits for the current negotiator state.
func (l *Link) lpmBits() uint32 {
	switch {
	case l.lpm.forceAccept:
		return hal.PowerYesU1 | hal.PowerYesU2
	case l.lpm.wakeWindow, l.lpm.mode == LpmReject:
		return hal.PowerNoU1 | hal.PowerNoU2
	case l.lpm.mode == LpmAccept:
		return hal.PowerYesU1 | hal.PowerYesU2
	}
	bits := hal.PowerYesU1 | hal.PowerYesU2
	if l.lpm.u1 {
		bits |= hal.PowerAutoU1
	}
	if l.lpm.u2 {
		bits |= hal.PowerAutoU2
	}
	return bits
}

// applyLpm writes the negotiator state to the link. It has no effect
// unless the SuperSpeed PHY is up.
func (l *Link) applyLpm() {
	if !l.phy.Usb3Enabled() {
		return
	}
	bits := l.lpmBits()
	hal.Modify(l.hw, hal.LnkDevicePowerControl, hal.PowerLpmMask, bits)
	pkg.LogDebug(pkg.ComponentLPM, "lpm applied", "bits", fmt.Sprintf("0x%02X", bits))
}

// enterLowPower handles U1/U2 entry: block new transfers with NRDY-all and
// hold off autonomous re-entry until the device has dwelled in U0. A
// status stage already acknowledged by the device cannot complete from
// U1/U2, so the link is driven back to U0 for it.
func (l *Link) enterLowPower(s hal.LinkState) {
	hal.Set(l.hw, hal.ProtCs, hal.ProtCsNrdyAll)
	l.lpm.wakeWindow = true
	l.applyLpm()
	pkg.LogDebug(pkg.ComponentLPM, "low power entry", "state", s)

	if l.ctrl.superSpeed && l.ctrl.statusPending && !l.ctrl.ackPending {
		if err := l.finishStatus(); err != nil {
			pkg.LogDebug(pkg.ComponentEP0, "status stage not driven to completion", "error", err)
		}
	}
}

// exitLowPower runs on U0 after a U1/U2 exit. It waits out the dwell in U0
// and re-enables autonomous entry, unless the link leaves U0 first.
func (l *Link) exitLowPower() {
	if !l.lpm.wakeWindow {
		return
	}
	left := false
	if l.cfg.LpmDwell > 0 {
		left, _ = l.until(poll{
			name:     "lpm dwell",
			interval: l.cfg.LpmDwell,
			budget:   l.cfg.LpmDwell,
		}, func() (bool, error) {
			return l.phy.LinkState() != hal.LinkU0 || !l.phy.Usb3Enabled(), nil
		})
	}
	if left {
		pkg.LogDebug(pkg.ComponentLPM, "left u0 during dwell", "state", l.phy.LinkState())
		return
	}
	l.lpm.wakeWindow = false
	l.applyLpm()
	pkg.LogDebug(pkg.ComponentLPM, "autonomous lpm re-enabled")
}
