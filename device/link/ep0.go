package link

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// controlContext is the single live control transfer. A new SETUP replaces
// it and invalidates whatever the previous one had in flight.
type controlContext struct {
	setup         hal.SetupPacket
	seq           uint32
	superSpeed    bool
	statusPending bool
	ackPending    bool
}

func (l *Link) resetControl() {
	l.ctrl = controlContext{seq: l.setupSeq.Load()}
}

// Setup returns the SETUP packet of the live control transfer.
func (l *Link) Setup() hal.SetupPacket { return l.ctrl.setup }

func (l *Link) onSetup() {
	if !l.phy.Usb2Enabled() && !l.phy.Usb3Enabled() {
		return
	}
	// The packet and its sequence number are latched together.
	l.setupMu.Lock()
	pkt := l.setupPkt
	seq := l.setupSeq.Load()
	l.setupMu.Unlock()

	l.ctrl = controlContext{
		setup:         pkt,
		seq:           seq,
		superSpeed:    l.Speed() == hal.SpeedSuper,
		statusPending: true,
		ackPending:    true,
	}
	if l.ctrl.superSpeed {
		l.ssSetupSeen = true
	}
	pkg.LogDebug(pkg.ComponentEP0, "setup", "request", pkt.String(), "seq", l.ctrl.seq)
	l.raise(Event{Kind: EventSetupReceived})

	handled := false
	if l.setup != nil {
		handled = l.setup.HandleSetup(&pkt)
	}
	if !handled && l.ctrl.seq == l.setupSeq.Load() {
		pkg.LogDebug(pkg.ComponentEP0, "unhandled request, stalling", "request", pkt.String())
		l.StallEP0()
	}
}

func (l *Link) onStatus() {
	if !l.ctrl.statusPending {
		return
	}
	l.ctrl.statusPending = false
	l.ctrl.ackPending = false
	pkg.LogDebug(pkg.ComponentEP0, "status complete", "request", l.ctrl.setup.String())
	l.raise(Event{Kind: EventStatusComplete})
}

// superseded reports whether a SETUP newer than the live one has arrived.
func (l *Link) superseded() bool {
	return l.ctrl.seq != l.setupSeq.Load()
}

// AckSetup completes a control request without a data stage. For
// SuperSpeed, a link sitting in U1/U2 is actively driven back to U0 so the
// status stage can finish. Call from a SetupHandler.
func (l *Link) AckSetup() error {
	if l.superseded() {
		return pkg.ErrAborted
	}
	if !l.ctrl.ackPending {
		return fmt.Errorf("ack: %w", pkg.ErrInvalidState)
	}
	l.ctrl.ackPending = false
	if l.ctrl.superSpeed {
		hal.Set(l.hw, hal.ProtEp0Cs, hal.Ep0CsAck)
	} else {
		hal.Set(l.hw, hal.DevEp0Cs, hal.Ep0CsAck)
	}
	return l.finishStatus()
}

// StallEP0 stalls the control endpoint for the live request.
func (l *Link) StallEP0() {
	l.ctrl.ackPending = false
	l.ctrl.statusPending = false
	if l.ctrl.superSpeed {
		hal.Set(l.hw, hal.ProtEp0Cs, hal.Ep0CsStall)
	} else {
		hal.Set(l.hw, hal.DevEp0Cs, hal.Ep0CsStall)
	}
	pkg.LogDebug(pkg.ComponentEP0, "ep0 stalled", "request", l.ctrl.setup.String())
}

// SendEP0 sends data in the IN data stage of the live request.
func (l *Link) SendEP0(ctx context.Context, data []byte) error {
	if data == nil {
		return pkg.ErrNullPointer
	}
	_, err := l.ep0Transfer(ctx, hal.DirectionIn, data)
	if err != nil {
		return err
	}
	l.ctrl.ackPending = false
	return l.finishStatus()
}

// RecvEP0 reads the OUT data stage of the live request into buf and
// returns the number of bytes received. On abort or timeout nothing is
// reported as received.
func (l *Link) RecvEP0(ctx context.Context, buf []byte) (int, error) {
	if buf == nil {
		return 0, pkg.ErrNullPointer
	}
	n, err := l.ep0Transfer(ctx, hal.DirectionOut, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ep0Transfer runs one data stage, retrying transient failures with a
// growing delay between attempts.
func (l *Link) ep0Transfer(ctx context.Context, dir hal.Direction, buf []byte) (int, error) {
	b := &backoff.Backoff{
		Min:    l.cfg.Ep0RetryDelay,
		Max:    l.cfg.Ep0RetryMaxDelay,
		Factor: 2,
	}
	for {
		n, err := l.ep0TransferOnce(ctx, dir, buf)
		if err == nil || !pkg.IsRetryable(err) || int(b.Attempt()) >= l.cfg.Ep0Retries {
			return n, err
		}
		d := b.Duration()
		pkg.LogDebug(pkg.ComponentDMA, "ep0 transfer retry",
			"dir", dir,
			"attempt", int(b.Attempt()),
			"delay", d,
			"error", err)
		l.hw.Sleep(d)
	}
}

// ep0TransferOnce starts a one-shot DMA on the EP0 socket for dir and waits
// for it. A new SETUP seen during the wait aborts the transfer and flushes
// the socket.
func (l *Link) ep0TransferOnce(ctx context.Context, dir hal.Direction, buf []byte) (int, error) {
	if l.superseded() {
		return 0, pkg.ErrAborted
	}
	socket := hal.SocketEp0Out
	if dir == hal.DirectionIn {
		socket = hal.SocketEp0In
	}
	h, err := l.hw.StartTransfer(dir, socket, buf)
	if err != nil {
		return 0, fmt.Errorf("ep0 %v start: %w", dir, err)
	}

	var (
		count int
		res   error
	)
	done, err := l.until(poll{
		name:     "ep0 dma",
		interval: l.cfg.Ep0Poll,
		budget:   l.cfg.Ep0Timeout,
	}, func() (bool, error) {
		if l.superseded() {
			return true, pkg.ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return true, err
		}
		st, n := l.hw.PollTransfer(h)
		switch st {
		case pkg.TransferStatusPending:
			return false, nil
		case pkg.TransferStatusSuccess:
			count = n
			return true, nil
		default:
			res = st.Error()
			return true, nil
		}
	})
	switch {
	case err != nil:
		l.hw.AbortTransfer(h)
		l.flushEp0()
		pkg.LogDebug(pkg.ComponentEP0, "ep0 transfer cancelled", "dir", dir, "error", err)
		return 0, err
	case !done:
		l.hw.AbortTransfer(h)
		l.flushEp0()
		pkg.LogWarn(pkg.ComponentEP0, "ep0 transfer timed out", "dir", dir, "timeout", l.cfg.Ep0Timeout)
		return 0, fmt.Errorf("ep0 %v: %w", dir, pkg.ErrTimeout)
	case res != nil:
		l.hw.AbortTransfer(h)
		l.flushEp0()
		return 0, fmt.Errorf("ep0 %v: %w", dir, res)
	}
	return count, nil
}

// flushEp0 resets the EP0 FIFOs and sockets.
func (l *Link) flushEp0() {
	hal.Set(l.hw, hal.EpmCs, hal.EpmEp0Reset)
	l.hw.BusyWait(ep0ResetPulse)
	hal.Clear(l.hw, hal.EpmCs, hal.EpmEp0Reset)
}

// finishStatus drives a pending SuperSpeed status stage to completion when
// the link sits in U1/U2: it requests exit to U0 and sends ERDY on every
// retry interval until the status stage completes, a new SETUP arrives or
// the budget runs out.
func (l *Link) finishStatus() error {
	if !l.ctrl.superSpeed || !l.ctrl.statusPending {
		return nil
	}
	if !l.phy.LinkState().IsLowPower() {
		return nil
	}
	seq := l.ctrl.seq
	status := l.statusSeq.Load()
	pkg.LogDebug(pkg.ComponentEP0, "status stage in low power, forcing exit", "state", l.phy.LinkState())

	done, err := l.until(poll{
		name:     "exit to u0",
		interval: l.cfg.ExitRetryInterval,
		budget:   l.cfg.ExitRetryBudget,
	}, func() (bool, error) {
		if l.setupSeq.Load() != seq {
			return true, pkg.ErrAborted
		}
		if l.statusSeq.Load() != status {
			return true, nil
		}
		switch s := l.phy.LinkState(); {
		case s.IsLowPower():
			hal.Set(l.hw, hal.LnkDevicePowerControl, hal.PowerExitLP)
		case s == hal.LinkU0:
			hal.Set(l.hw, hal.ProtCs, hal.ProtCsSendErdy)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !done {
		pkg.LogWarn(pkg.ComponentEP0, "status stage did not complete",
			"state", l.phy.LinkState(),
			"budget", l.cfg.ExitRetryBudget)
		return fmt.Errorf("status stage: %w", pkg.ErrTimeout)
	}
	return nil
}

const ep0ResetPulse = time.Microsecond

// onUnderrun reports endpoint underruns. SuperSpeed endpoints are reset
// and re-armed with ERDY.
func (l *Link) onUnderrun() {
	bits := l.underrun.Swap(0)
	for i := 0; i < 32; i++ {
		if bits&(1<<i) == 0 {
			continue
		}
		n := i % 16
		ep := uint8(n & 0x7)
		if n >= 8 {
			ep |= 0x80
		}
		if i >= 16 {
			hal.Set(l.hw, hal.ProtCs, hal.ProtCsSendErdy)
		}
		pkg.LogDebug(pkg.ComponentEP0, "endpoint underrun", "endpoint", fmt.Sprintf("0x%02X", ep), "superspeed", i >= 16)
		l.raise(Event{Kind: EventEndpointUnderrun, Endpoint: ep})
	}
}
