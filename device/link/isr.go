package link

import (
	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// HandleInterrupt is the interrupt service routine for line. It reads the
// unmasked causes, performs the register writes that cannot wait for the
// event loop, clears the causes and posts them. It never blocks.
func (l *Link) HandleInterrupt(line hal.Line) {
	intr, maskReg := hal.LineCause(line)
	if intr == 0 {
		return
	}
	bits := l.hw.Read(intr) & l.hw.Read(maskReg)
	if bits == 0 {
		l.hw.ClearLine(line)
		return
	}

	var c cause
	switch line {
	case hal.LineLink:
		c = l.isrLink(bits)
	case hal.LineProt:
		c = l.isrProt(bits)
	case hal.LineDevCtl:
		c = l.isrDevCtl(bits)
	case hal.LineDevEp, hal.LineProtEp:
		l.underrun.Or(l.epBits(line, bits))
		c = causeUnderrun
	case hal.LineVbus:
		c = causeVbus
	}

	l.hw.Write(intr, bits)
	l.hw.ClearLine(line)
	l.post(c)
	pkg.LogDebug(pkg.ComponentHAL, "isr", "line", line, "causes", c)
}

func (l *Link) isrLink(bits uint32) cause {
	var c cause
	if bits&hal.LnkLtssmStateChg != 0 {
		l.lastState.Store(l.hw.Read(hal.LnkLtssmState) & hal.LtssmStateMask)
		c |= causeLinkState
	}
	if bits&hal.LnkLtssmConnect != 0 {
		c |= causeLinkConnect
	}
	if bits&hal.LnkLtssmDisconnect != 0 {
		c |= causeLinkDisconnect
	}
	if bits&hal.LnkLtssmReset != 0 {
		c |= causeLinkReset
	}
	if bits&hal.LnkLgoU3 != 0 {
		// U3 entry must be accepted within the LGO_U3 response window.
		hal.Set(l.hw, hal.LnkDevicePowerControl, hal.PowerAcceptU3)
	}
	if bits&hal.LnkErrorLimit != 0 {
		l.linkErrors.Add(l.hw.Read(hal.LnkErrorCount))
		l.hw.Write(hal.LnkErrorCount, 0)
		c |= causeLinkError
	}
	return c
}

func (l *Link) isrProt(bits uint32) cause {
	var c cause
	if bits&hal.ProtSutok != 0 {
		l.latchSetup(hal.ProtSetupdat0, hal.ProtSetupdat1)
		hal.Clear(l.hw, hal.ProtEp0Cs, hal.Ep0CsStall)
		c |= causeSetup
	}
	if bits&hal.ProtStatusStage != 0 {
		l.statusSeq.Add(1)
		c |= causeStatus
	}
	if bits&hal.ProtLmpSetLinkFunc != 0 {
		l.lmpForce.Store(l.hw.Read(hal.ProtLmpReceived)&hal.LmpForceLinkPMAccept != 0)
		c |= causeLmp
	}
	return c
}

func (l *Link) isrDevCtl(bits uint32) cause {
	var c cause
	if bits&hal.DevCtlSudav != 0 {
		l.latchSetup(hal.DevSetupdat0, hal.DevSetupdat1)
		c |= causeSetup
	}
	if bits&hal.DevCtlUreset != 0 {
		c |= causeBusReset
	}
	if bits&hal.DevCtlHsgrant != 0 {
		c |= causeHsGrant
	}
	if bits&hal.DevCtlSusp != 0 {
		c |= causeSuspend
	}
	if bits&hal.DevCtlUresume != 0 {
		c |= causeResume
	}
	if bits&hal.DevCtlStatusStage != 0 {
		l.statusSeq.Add(1)
		c |= causeStatus
	}
	return c
}

// latchSetup copies the setup data registers and bumps the setup sequence,
// which cancels any EP0 transfer still waiting on the previous request.
func (l *Link) latchSetup(r0, r1 hal.Register) {
	pkt := hal.SetupFromWords(l.hw.Read(r0), l.hw.Read(r1))
	l.setupMu.Lock()
	l.setupPkt = pkt
	l.setupSeq.Add(1)
	l.setupMu.Unlock()
}

// epBits maps endpoint underrun bits to a combined mask: USB 2.0 endpoints
// in the low half, SuperSpeed endpoints in the high half.
func (l *Link) epBits(line hal.Line, bits uint32) uint32 {
	bits &= hal.EpIntrUnderrunMask
	if line == hal.LineProtEp {
		return bits << 16
	}
	return bits
}
