package link

import (
	"time"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// onLinkState dispatches on the current LTSSM state. The state is re-read
// here rather than taken from the ISR snapshot, so coalesced changes are
// served once for the latest state.
func (l *Link) onLinkState() {
	if !l.phy.Usb3Enabled() {
		return
	}
	s := l.phy.LinkState()
	pkg.LogDebug(pkg.ComponentLTSSM, "state change",
		"state", s,
		"isr", hal.LinkState(l.lastState.Load()))

	switch {
	case s == hal.LinkU3:
		l.onU3()
	case s == hal.LinkRecoveryActive || s == hal.LinkRecoveryConfig:
		l.onRecovery(s)
	case s.IsRecovery():
		// Recovery.Idle: nothing until the link is back in U0.
	case s.IsLowPower():
		l.enterLowPower(s)
	case s == hal.LinkU0:
		l.onU0()
	case s == hal.LinkPollingLFPS || s == hal.LinkPollingRxEQ:
		l.resetLmpTimers()
	case s.IsPolling():
	case s == hal.LinkCompliance:
		l.onCompliance()
	case s == hal.LinkHotResetActive || s == hal.LinkHotResetExit:
		// LTSSM_RESET carries the work.
	case !s.InConnectedRange():
		l.verifyDisconnect()
	}
}

func (l *Link) onU3() {
	if !l.squelchFix {
		l.phy.SetSquelchWorkaround(true)
		l.squelchFix = true
	}
	if l.connected && !l.suspended {
		l.suspended = true
		l.raise(Event{Kind: EventSuspend})
	}
}

func (l *Link) onRecovery(s hal.LinkState) {
	hal.Set(l.hw, hal.ProtCs, hal.ProtCsNrdyAll)
	if l.squelchFix {
		l.phy.SetSquelchWorkaround(false)
		l.squelchFix = false
	}
	pkg.LogDebug(pkg.ComponentLTSSM, "recovery", "state", s)
	if l.connected {
		l.raise(Event{Kind: EventLinkRecovery})
	}
}

func (l *Link) onU0() {
	hal.Clear(l.hw, hal.ProtCs, hal.ProtCsNrdyAll)
	hal.Clear(l.hw, hal.LnkDevicePowerControl, hal.PowerAcceptU3|hal.PowerExitLP)
	if l.squelchFix {
		l.phy.SetSquelchWorkaround(false)
		l.squelchFix = false
	}
	if l.suspended {
		l.suspended = false
		l.raise(Event{Kind: EventResume})
	}
	if l.ctrl.statusPending && l.ctrl.superSpeed {
		// The host may not resume the status stage on its own.
		hal.Set(l.hw, hal.ProtCs, hal.ProtCsSendErdy)
	}
	l.exitLowPower()
}

// resetLmpTimers rearms the port capability and configuration LMP timers.
// Required every time link training restarts.
func (l *Link) resetLmpTimers() {
	l.hw.Write(hal.ProtLmpPortCapTimer, hal.LmpPortCapTimerInit)
	l.hw.Write(hal.ProtLmpPortCfgTimer, hal.LmpPortCfgTimerInit)
}

func (l *Link) onCompliance() {
	l.hw.Write(hal.LnkLfpsObserve, hal.LfpsResetDetected)
	if !l.ssSetupSeen && !l.cfg.ComplianceTestMode {
		l.trainingFailed("compliance before first setup")
		return
	}
	l.runCompliance()
}

// compliance exit reasons
const (
	complianceReset   = "reset"
	complianceVbus    = "vbus"
	complianceLeft    = "left"
	complianceTimeout = "timeout"
)

// runCompliance cycles the compliance patterns, advancing on each LFPS
// ping, until a reset LFPS, VBUS loss, exit from Compliance or timeout.
func (l *Link) runCompliance() {
	l.raise(Event{Kind: EventComplianceEntry})
	pattern := uint32(0)
	l.hw.Write(hal.LnkCompliancePattern, pattern)
	reason := complianceTimeout

	_, _ = l.until(poll{
		name:     "compliance",
		interval: l.cfg.CompliancePoll,
		budget:   l.cfg.ComplianceTimeout,
	}, func() (bool, error) {
		if !l.vbusPresent() {
			reason = complianceVbus
			return true, nil
		}
		obs := l.hw.Read(hal.LnkLfpsObserve)
		if obs&hal.LfpsResetDetected != 0 {
			l.hw.Write(hal.LnkLfpsObserve, hal.LfpsResetDetected)
			reason = complianceReset
			return true, nil
		}
		if obs&hal.LfpsPingDetected != 0 {
			l.hw.Write(hal.LnkLfpsObserve, hal.LfpsPingDetected)
			pattern = (pattern + 1) % hal.NumCompliancePatterns
			l.hw.Write(hal.LnkCompliancePattern, pattern)
			pkg.LogDebug(pkg.ComponentLTSSM, "compliance pattern", "pattern", pattern)
		}
		if l.phy.LinkState() != hal.LinkCompliance {
			reason = complianceLeft
			return true, nil
		}
		return false, nil
	})

	pkg.LogInfo(pkg.ComponentLTSSM, "compliance exit", "reason", reason, "pattern", pattern)
	if reason == complianceReset || reason == complianceTimeout {
		// Warm reset: back to Rx.Detect.
		l.phy.ForceLinkState(hal.LinkRxDetectActive)
		l.hw.BusyWait(complianceExitSettle)
		l.phy.ReleaseLinkState()
	}
	l.raise(Event{Kind: EventComplianceExit})
	if reason == complianceVbus {
		l.post(causeVbus)
	}
}

const complianceExitSettle = 100 * time.Microsecond

// onLinkReset handles a hot or warm reset received in SuperSpeed.
func (l *Link) onLinkReset() {
	if l.State() != StateActiveSuperSpeed {
		return
	}
	hal.Clear(l.hw, hal.ProtEp0Cs, hal.Ep0CsStall)
	l.flushEp0()
	l.enableControlEndpoints()
	l.resetControl()
	l.suspended = false
	pkg.LogInfo(pkg.ComponentLTSSM, "superspeed reset")
	l.raise(Event{Kind: EventReset})
}
