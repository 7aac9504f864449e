package link

import (
	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// canAttemptSuperSpeed reports whether another SuperSpeed attempt is
// allowed in this VBUS session.
func (l *Link) canAttemptSuperSpeed() bool {
	return l.enableSS && int(l.attempts.Load()) < l.cfg.MaxSuperSpeedFailures
}

func (l *Link) onVbus() {
	if l.pending.has(causeWarm) {
		// The warm start samples VBUS itself.
		return
	}
	present := l.vbusPresent()
	if present == l.vbus {
		return
	}
	l.vbus = present
	if !present {
		pkg.LogInfo(pkg.ComponentLink, "vbus removed", "state", l.State())
		l.teardown()
		if !l.cfg.KeepFailuresAcrossVbus {
			l.attempts.Store(0)
		}
		l.setState(StateIdle)
		return
	}

	pkg.LogInfo(pkg.ComponentLink, "vbus present",
		"superspeed", l.enableSS,
		"attempts", l.attempts.Load())
	l.connect()
}

// connect starts a new connection on VBUS: SuperSpeed if allowed, USB 2.0
// otherwise.
func (l *Link) connect() {
	l.resetControl()
	l.lpm.wakeWindow = false
	if l.canAttemptSuperSpeed() {
		l.ssSetupSeen = false
		l.setState(StateAttemptingSuperSpeed)
		l.hw.Write(hal.LnkErrorThreshold, linkErrorThreshold)
		l.phy.Enable(hal.SpeedSuper)
		return
	}
	l.phy.Enable(hal.SpeedHigh)
	l.setState(StateActiveUsb2)
}

const linkErrorThreshold = 0x0F

// teardown disables whichever PHY runs and reports a disconnect if the
// application saw a connection.
func (l *Link) teardown() {
	l.phy.Disable(hal.SpeedSuper)
	l.phy.Disable(hal.SpeedHigh)
	hal.Clear(l.hw, hal.ProtCs, hal.ProtCsNrdyAll)
	l.squelchFix = false
	l.suspended = false
	l.resetControl()
	l.setSpeed(hal.SpeedNotConnected)
	if l.connected {
		l.connected = false
		l.raise(Event{Kind: EventDisconnect})
	}
}

// trainingFailed records a failed SuperSpeed training and falls back to USB
// 2.0. If the USB 2.0 PHY is already live only the SuperSpeed side is torn
// down.
func (l *Link) trainingFailed(reason string) {
	n := l.attempts.Add(1)
	pkg.LogWarn(pkg.ComponentLink, "superspeed training failed",
		"reason", reason,
		"attempts", n,
		"max", l.cfg.MaxSuperSpeedFailures)

	l.setState(StateFallingBack)
	wasSuper := l.Speed() == hal.SpeedSuper
	l.phy.Disable(hal.SpeedSuper)
	hal.Clear(l.hw, hal.ProtCs, hal.ProtCsNrdyAll)
	l.squelchFix = false
	if wasSuper {
		l.setSpeed(hal.SpeedNotConnected)
		if l.connected {
			l.connected = false
			l.raise(Event{Kind: EventDisconnect})
		}
	}
	if !l.phy.Usb2Enabled() {
		l.resetControl()
		l.phy.Enable(hal.SpeedHigh)
	}
	l.setState(StateActiveUsb2)
	l.raise(Event{Kind: EventUsb3LinkTrainingFailed, Attempts: int(n)})
}

// resolveLfps busy-waits while the LTSSM sits in Polling.LFPS with both
// PHYs live, and returns the state it resolved to.
func (l *Link) resolveLfps() hal.LinkState {
	_, _ = l.until(poll{
		name:     "polling.lfps resolve",
		interval: l.cfg.LfpsResolvePoll,
		budget:   l.cfg.LfpsResolveBudget,
		busy:     true,
	}, func() (bool, error) {
		return l.phy.LinkState() != hal.LinkPollingLFPS, nil
	})
	return l.phy.LinkState()
}

// onLinkConnect completes SuperSpeed training.
func (l *Link) onLinkConnect() {
	if !l.phy.Usb3Enabled() {
		return
	}
	prev := l.Speed()
	if l.phy.Usb2Enabled() {
		st := l.resolveLfps()
		if st == hal.LinkCompliance || st == hal.LinkPollingLFPS {
			l.trainingFailed("compliance during parallel attempt")
			return
		}
		l.phy.ConnectUsb2(false)
		l.phy.Disable(hal.SpeedHigh)
	}
	l.phy.ApplyConnectWorkarounds()
	l.phy.SwitchToSuperSpeed()
	l.enableControlEndpoints()
	l.resetControl()

	l.setSpeed(hal.SpeedSuper)
	l.setState(StateActiveSuperSpeed)
	l.applyLpm()
	l.connected = true
	pkg.LogInfo(pkg.ComponentLink, "superspeed connected",
		"attempts", l.attempts.Load(),
		"from", prev)
	if prev != hal.SpeedNotConnected && prev != hal.SpeedSuper {
		l.raise(Event{Kind: EventSpeedChange, Speed: hal.SpeedSuper})
	}
	l.raise(Event{Kind: EventConnect, Speed: hal.SpeedSuper})
}

// onLinkDisconnect handles LTSSM_DISCONNECT.
func (l *Link) onLinkDisconnect() {
	if !l.phy.Usb3Enabled() {
		return
	}
	if !l.vbusPresent() {
		pkg.LogInfo(pkg.ComponentLink, "superspeed disconnect without vbus")
		l.teardown()
		l.setState(StateDisconnected)
		return
	}
	if l.phy.Usb2Enabled() {
		// A parallel attempt gave up; USB 2.0 keeps the bus.
		pkg.LogInfo(pkg.ComponentLink, "superspeed attempt dropped, usb2 keeps bus")
		l.phy.Disable(hal.SpeedSuper)
		l.setState(StateActiveUsb2)
		return
	}
	l.trainingFailed("ltssm disconnect")
}

// linkLost runs when disconnect verification expired.
func (l *Link) linkLost() {
	if !l.vbusPresent() {
		l.teardown()
		l.setState(StateDisconnected)
		return
	}
	l.trainingFailed("ltssm outside connected range")
}

// verifyDisconnect waits for the LTSSM to return to the connected range.
// Transient states during training and recovery are expected; only a
// state that persists past the budget counts as a lost link.
func (l *Link) verifyDisconnect() {
	if l.verifying {
		return
	}
	l.verifying = true
	defer func() { l.verifying = false }()

	done, _ := l.until(poll{
		name:     "disconnect verify",
		interval: l.cfg.DisconnectPoll,
		budget:   l.cfg.DisconnectBudget,
	}, func() (bool, error) {
		if !l.vbusPresent() || !l.phy.Usb3Enabled() {
			return true, nil
		}
		s := l.phy.LinkState()
		return s.InConnectedRange() || s.IsPolling() || s.IsRecovery(), nil
	})
	if done {
		return
	}
	pkg.LogWarn(pkg.ComponentLTSSM, "link stayed outside connected range",
		"state", l.phy.LinkState(),
		"budget", l.cfg.DisconnectBudget)
	l.linkLost()
}

// onBusReset handles a USB 2.0 bus reset. It reports the connection on
// the first reset and starts a parallel SuperSpeed attempt when allowed.
func (l *Link) onBusReset() {
	if !l.phy.Usb2Enabled() {
		return
	}
	l.resetControl()
	speed := hal.SpeedFull
	if l.hw.Read(hal.DevPwrCs)&hal.DevPwrHsMode != 0 {
		speed = hal.SpeedHigh
	}
	l.suspended = false
	if !l.connected {
		l.connected = true
		l.setSpeed(speed)
		pkg.LogInfo(pkg.ComponentLink, "usb2 connected", "speed", speed)
		l.raise(Event{Kind: EventConnect, Speed: speed})
	} else {
		l.raise(Event{Kind: EventReset})
	}

	if l.phy.Usb3Enabled() {
		// A parallel attempt is in flight. Let an LFPS handshake settle
		// before touching the mux.
		if st := l.resolveLfps(); st == hal.LinkCompliance || st == hal.LinkPollingLFPS {
			l.trainingFailed("compliance after usb2 reset")
		}
		return
	}
	if l.canAttemptSuperSpeed() && l.vbusPresent() {
		pkg.LogInfo(pkg.ComponentLink, "parallel superspeed attempt", "attempts", l.attempts.Load())
		l.ssSetupSeen = false
		l.hw.Write(hal.LnkErrorThreshold, linkErrorThreshold)
		l.phy.Enable(hal.SpeedSuper)
	}
}

func (l *Link) onHsGrant() {
	if !l.phy.Usb2Enabled() || l.Speed() == hal.SpeedHigh {
		return
	}
	prev := l.Speed()
	l.setSpeed(hal.SpeedHigh)
	if l.connected && prev != hal.SpeedNotConnected {
		l.raise(Event{Kind: EventSpeedChange, Speed: hal.SpeedHigh})
	}
}

func (l *Link) onSuspend() {
	if l.suspended || !l.connected {
		return
	}
	l.suspended = true
	l.raise(Event{Kind: EventSuspend})
}

func (l *Link) onResume() {
	if !l.suspended {
		return
	}
	l.suspended = false
	l.raise(Event{Kind: EventResume})
}

// onLinkError counts link error threshold crossings and restarts the
// SuperSpeed link when too many arrive within the window.
func (l *Link) onLinkError() {
	errs := l.linkErrors.Swap(0)
	if l.State() != StateActiveSuperSpeed {
		return
	}
	now := l.hw.Now()
	if l.errWindowCnt == 0 || now.Sub(l.errWindowAt) > l.cfg.LinkErrorWindow {
		l.errWindowAt = now
		l.errWindowCnt = 0
	}
	l.errWindowCnt++
	pkg.LogDebug(pkg.ComponentLTSSM, "link error limit",
		"errors", errs,
		"count", l.errWindowCnt,
		"limit", l.cfg.LinkErrorLimit)
	if l.errWindowCnt < l.cfg.LinkErrorLimit {
		return
	}
	l.errWindowCnt = 0
	pkg.LogWarn(pkg.ComponentLTSSM, "link error limit exceeded, restarting link",
		"window", l.cfg.LinkErrorWindow)
	l.teardown()
	if l.vbusPresent() {
		l.connect()
	} else {
		l.setState(StateDisconnected)
	}
}

// enableControlEndpoints validates the SuperSpeed EP0 IN and OUT endpoints
// with a 512 byte payload.
func (l *Link) enableControlEndpoints() {
	v := hal.ProtEpValid | uint32(hal.SpeedSuper.MaxPacketSize0())<<hal.ProtEpPayloadShift&hal.ProtEpPayloadMask
	l.hw.Write(hal.ProtEpiCs0, v)
	l.hw.Write(hal.ProtEpoCs0, v)
}
