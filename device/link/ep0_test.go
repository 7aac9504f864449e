package link

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/device/hal/sim"
	"github.com/ardnew/fx3usb/pkg"
)

var (
	getDescriptor = hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}
	setAddress    = hal.SetupPacket{RequestType: 0x00, Request: 0x05, Value: 7}
	vendorOut     = hal.SetupPacket{RequestType: 0x40, Request: 0xA0, Length: 64}
)

func (h *harness) setup(superSpeed bool, pkt hal.SetupPacket) {
	h.m.Setup(superSpeed, pkt)
	h.l.ProcessPending()
}

func (h *harness) usb2Connected() {
	h.t.Helper()
	h.start(false)
	h.vbus(true)
	h.busReset(true)
	h.rec.reset()
}

func TestSetupUnhandledStalls(t *testing.T) {
	tests := []struct {
		name    string
		handler SetupHandler
	}{
		{"no handler", nil},
		{"declined", SetupHandlerFunc(func(*hal.SetupPacket) bool { return false })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.usb2Connected()
			if tt.handler != nil {
				h.l.SetSetupHandler(tt.handler)
			}
			h.setup(false, setAddress)

			if h.m.Peek(hal.DevEp0Cs)&hal.Ep0CsStall == 0 {
				t.Error("ep0 not stalled")
			}
			if got := h.rec.kinds(); !equalKinds(got, []EventKind{EventSetupReceived}) {
				t.Errorf("events = %v", got)
			}
		})
	}
}

func TestSetupAckUsb2(t *testing.T) {
	h := newHarness(t)
	h.usb2Connected()
	var (
		seen   hal.SetupPacket
		ackErr error
	)
	h.l.SetSetupHandler(SetupHandlerFunc(func(pkt *hal.SetupPacket) bool {
		seen = *pkt
		ackErr = h.l.AckSetup()
		return true
	}))
	h.setup(false, setAddress)

	if ackErr != nil {
		t.Fatalf("AckSetup: %v", ackErr)
	}
	if seen != setAddress || h.l.Setup() != setAddress {
		t.Errorf("setup = %v", seen)
	}
	if h.m.Peek(hal.DevEp0Cs)&hal.Ep0CsAck == 0 {
		t.Error("ack not written")
	}
	if err := h.l.AckSetup(); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("second AckSetup = %v", err)
	}

	h.m.StatusStage(false)
	h.l.ProcessPending()
	h.m.StatusStage(false)
	h.l.ProcessPending()
	want := []EventKind{EventSetupReceived, EventStatusComplete}
	if got := h.rec.kinds(); !equalKinds(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSendEP0SuperSpeed(t *testing.T) {
	h := newHarness(t)
	h.connectSuperSpeed()
	desc := []byte{18, 1, 0x20, 0x03, 0, 0, 0, 9, 0xB4, 0x04, 0xF1, 0, 0, 1, 1, 2, 0, 1}
	var sendErr error
	h.l.SetSetupHandler(SetupHandlerFunc(func(pkt *hal.SetupPacket) bool {
		sendErr = h.l.SendEP0(context.Background(), desc)
		return true
	}))
	h.setup(true, getDescriptor)

	if sendErr != nil {
		t.Fatalf("SendEP0: %v", sendErr)
	}
	trs := h.m.Transfers()
	if len(trs) != 1 {
		t.Fatalf("transfers = %d", len(trs))
	}
	if tr := trs[0]; tr.Dir != hal.DirectionIn || tr.Socket != hal.SocketEp0In || !bytes.Equal(tr.Data, desc) {
		t.Errorf("transfer = %+v", tr)
	}
	h.m.StatusStage(true)
	h.l.ProcessPending()
	if h.rec.count(EventStatusComplete) != 1 {
		t.Errorf("events = %v", h.rec.kinds())
	}
}

func TestRecvEP0(t *testing.T) {
	h := newHarness(t)
	h.connectSuperSpeed()
	payload := []byte("firmware chunk")
	h.m.OnDMA(func(tr *sim.Transfer) {
		h.m.At(250*time.Microsecond, func() { h.m.Complete(tr.Handle, payload, pkg.TransferStatusSuccess) })
	})
	var (
		n   int
		err error
		buf = make([]byte, 64)
	)
	h.l.SetSetupHandler(SetupHandlerFunc(func(*hal.SetupPacket) bool {
		n, err = h.l.RecvEP0(context.Background(), buf)
		return true
	}))
	h.setup(true, vendorOut)

	if err != nil {
		t.Fatalf("RecvEP0: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("received %q", buf[:n])
	}
	if tr := h.m.Transfers()[0]; tr.Socket != hal.SocketEp0Out {
		t.Errorf("socket = %v", tr.Socket)
	}
	if _, err := h.l.RecvEP0(context.Background(), nil); !errors.Is(err, pkg.ErrNullPointer) {
		t.Errorf("nil buffer: %v", err)
	}
}

// A SETUP arriving while an EP0 OUT transfer is in flight aborts it within
// one poll interval and flushes the socket.
func TestEP0CancelledByNewSetup(t *testing.T) {
	h := newHarness(t)
	h.connectSuperSpeed()
	poll := h.l.Config().Ep0Poll

	var setupAt time.Duration
	h.m.OnDMA(func(tr *sim.Transfer) {
		if tr.Handle != 1 {
			h.m.Complete(tr.Handle, nil, pkg.TransferStatusSuccess)
			return
		}
		h.m.At(3*poll, func() {
			setupAt = h.m.Elapsed()
			h.m.Setup(true, setAddress)
		})
	})

	var (
		calls      int
		n          int
		recvErr    error
		returnedAt time.Duration
		buf        = make([]byte, 64)
	)
	h.l.SetSetupHandler(SetupHandlerFunc(func(pkt *hal.SetupPacket) bool {
		calls++
		if calls == 1 {
			n, recvErr = h.l.RecvEP0(context.Background(), buf)
			returnedAt = h.m.Elapsed()
			return true
		}
		return h.l.AckSetup() == nil
	}))
	h.setup(true, vendorOut)

	if !errors.Is(recvErr, pkg.ErrAborted) {
		t.Fatalf("RecvEP0 error = %v, want ErrAborted", recvErr)
	}
	if n != 0 {
		t.Errorf("n = %d after abort", n)
	}
	if d := returnedAt - setupAt; d > poll {
		t.Errorf("abort took %v, want <= %v", d, poll)
	}
	if tr := h.m.Transfers()[0]; !tr.Aborted || tr.Status != pkg.TransferStatusAborted {
		t.Errorf("transfer = %+v", tr)
	}
	if h.m.Rises(hal.EpmCs, hal.EpmEp0Reset) == 0 {
		t.Error("ep0 not flushed")
	}
	if calls != 2 || h.l.Setup() != setAddress {
		t.Errorf("calls=%d setup=%v", calls, h.l.Setup())
	}
	if got := h.rec.count(EventSetupReceived); got != 2 {
		t.Errorf("setup events = %d", got)
	}
	if h.m.Peek(hal.ProtEp0Cs)&hal.Ep0CsStall != 0 {
		t.Error("superseded request stalled")
	}
}

func TestEP0Timeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Ep0Timeout = 5 * time.Millisecond })
	h.connectSuperSpeed()
	h.m.OnDMA(func(*sim.Transfer) {})

	var err error
	h.l.SetSetupHandler(SetupHandlerFunc(func(*hal.SetupPacket) bool {
		_, err = h.l.RecvEP0(context.Background(), make([]byte, 8))
		return true
	}))
	t0 := h.m.Elapsed()
	h.setup(true, vendorOut)

	if !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if el := h.m.Elapsed() - t0; el < 5*time.Millisecond {
		t.Errorf("gave up after %v", el)
	}
	if trs := h.m.Transfers(); len(trs) != 1 || !trs[0].Aborted {
		t.Errorf("transfers = %+v", trs)
	}
}

func TestEP0Retry(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		wantErr  error
		wantXfer int
	}{
		{"recovers", 2, nil, 3},
		{"exhausted", 10, pkg.ErrXferFailure, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.connectSuperSpeed()
			h.m.OnDMA(func(tr *sim.Transfer) {
				st := pkg.TransferStatusSuccess
				if int(tr.Handle) <= tt.failures {
					st = pkg.TransferStatusFailure
				}
				h.m.Complete(tr.Handle, nil, st)
			})
			var err error
			h.l.SetSetupHandler(SetupHandlerFunc(func(*hal.SetupPacket) bool {
				err = h.l.SendEP0(context.Background(), []byte{1, 2})
				return true
			}))
			h.setup(true, getDescriptor)

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := len(h.m.Transfers()); got != tt.wantXfer {
				t.Errorf("transfers = %d, want %d", got, tt.wantXfer)
			}
		})
	}
}

func TestEP0ContextCancelled(t *testing.T) {
	h := newHarness(t)
	h.connectSuperSpeed()
	h.m.OnDMA(func(*sim.Transfer) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var err error
	h.l.SetSetupHandler(SetupHandlerFunc(func(*hal.SetupPacket) bool {
		_, err = h.l.RecvEP0(ctx, make([]byte, 8))
		return true
	}))
	h.setup(true, vendorOut)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v", err)
	}
	if tr := h.m.Transfers()[0]; !tr.Aborted {
		t.Error("transfer not aborted")
	}
}

func TestSutokClearsStallInIsr(t *testing.T) {
	h := newHarness(t)
	h.connectSuperSpeed()
	h.setup(true, setAddress)
	if h.m.Peek(hal.ProtEp0Cs)&hal.Ep0CsStall == 0 {
		t.Fatal("unhandled request not stalled")
	}

	h.m.Setup(true, getDescriptor)
	if h.m.Peek(hal.ProtEp0Cs)&hal.Ep0CsStall != 0 {
		t.Error("stall not cleared before the event loop ran")
	}
}

// A status stage pending while the link sits in U1 drives the link back
// to U0 and keeps sending ERDY until the host completes it.
func TestStatusStageExitsLowPower(t *testing.T) {
	t.Run("completes", func(t *testing.T) {
		h := newHarness(t)
		h.connectSuperSpeed()
		h.m.SetLinkState(hal.LinkU1)
		h.m.At(150*time.Millisecond, func() { h.m.SetLinkState(hal.LinkU0) })
		h.m.At(250*time.Millisecond, func() { h.m.StatusStage(true) })

		var ackErr error
		h.l.SetSetupHandler(SetupHandlerFunc(func(*hal.SetupPacket) bool {
			ackErr = h.l.AckSetup()
			return true
		}))
		h.setup(true, setAddress)

		if ackErr != nil {
			t.Fatalf("AckSetup: %v", ackErr)
		}
		if h.m.Rises(hal.LnkDevicePowerControl, hal.PowerExitLP) == 0 {
			t.Error("exit to u0 not requested")
		}
		if h.m.Rises(hal.ProtCs, hal.ProtCsSendErdy) == 0 {
			t.Error("erdy not sent in u0")
		}
		if h.rec.count(EventStatusComplete) != 1 {
			t.Errorf("events = %v", h.rec.kinds())
		}
	})

	t.Run("gives up", func(t *testing.T) {
		h := newHarness(t)
		h.connectSuperSpeed()
		h.m.SetLinkState(hal.LinkU2)

		var ackErr error
		h.l.SetSetupHandler(SetupHandlerFunc(func(*hal.SetupPacket) bool {
			ackErr = h.l.AckSetup()
			return true
		}))
		t0 := h.m.Elapsed()
		h.setup(true, setAddress)

		if !errors.Is(ackErr, pkg.ErrTimeout) {
			t.Fatalf("AckSetup = %v, want ErrTimeout", ackErr)
		}
		if el := h.m.Elapsed() - t0; el < h.l.Config().ExitRetryBudget {
			t.Errorf("gave up after %v", el)
		}
	})

	t.Run("superseded", func(t *testing.T) {
		h := newHarness(t)
		h.connectSuperSpeed()
		h.m.SetLinkState(hal.LinkU1)
		h.m.At(120*time.Millisecond, func() { h.m.Setup(true, getDescriptor) })

		var errs []error
		h.l.SetSetupHandler(SetupHandlerFunc(func(pkt *hal.SetupPacket) bool {
			if pkt.Request == setAddress.Request {
				errs = append(errs, h.l.AckSetup())
				return true
			}
			return false
		}))
		h.setup(true, setAddress)

		if len(errs) != 1 || !errors.Is(errs[0], pkg.ErrAborted) {
			t.Fatalf("AckSetup = %v, want ErrAborted", errs)
		}
		if h.l.Setup() != getDescriptor {
			t.Errorf("live setup = %v", h.l.Setup())
		}
	})
}

// A request acknowledged in U0 whose status stage has not run yet when the
// link drops to U1 still gets the link back to U0 for the status stage.
func TestStatusStageAfterLowPowerEntry(t *testing.T) {
	for _, s := range []hal.LinkState{hal.LinkU1, hal.LinkU2} {
		t.Run(s.String(), func(t *testing.T) {
			h := newHarness(t)
			h.connectSuperSpeed()
			var ackErr error
			h.l.SetSetupHandler(SetupHandlerFunc(func(*hal.SetupPacket) bool {
				ackErr = h.l.AckSetup()
				return true
			}))
			h.setup(true, setAddress)
			if ackErr != nil {
				t.Fatalf("AckSetup: %v", ackErr)
			}
			if h.m.Rises(hal.LnkDevicePowerControl, hal.PowerExitLP) != 0 {
				t.Fatal("exit requested while in u0")
			}

			h.m.At(150*time.Millisecond, func() { h.m.MoveLink(hal.LinkU0, 0) })
			h.m.At(250*time.Millisecond, func() { h.m.StatusStage(true) })
			h.linkTo(s, 0)

			if h.m.Rises(hal.LnkDevicePowerControl, hal.PowerExitLP) == 0 {
				t.Error("exit to u0 not requested")
			}
			if h.m.Rises(hal.ProtCs, hal.ProtCsSendErdy) == 0 {
				t.Error("erdy not sent in u0")
			}
			if h.rec.count(EventStatusComplete) != 1 {
				t.Errorf("events = %v", h.rec.kinds())
			}
			if h.m.Peek(hal.ProtCs)&hal.ProtCsNrdyAll != 0 {
				t.Error("nrdy-all still asserted after u0")
			}
		})
	}
}

// Without a pending status stage, U1 entry leaves the link alone.
func TestLowPowerEntryWithoutStatus(t *testing.T) {
	h := newHarness(t)
	h.connectSuperSpeed()
	t0 := h.m.Elapsed()
	h.linkTo(hal.LinkU1, 0)
	if h.m.Rises(hal.LnkDevicePowerControl, hal.PowerExitLP) != 0 {
		t.Error("exit to u0 requested without a status stage")
	}
	if el := h.m.Elapsed() - t0; el != 0 {
		t.Errorf("u1 entry blocked for %v", el)
	}
}

func TestEP0RetryBackoff(t *testing.T) {
	h := newHarness(t)
	h.connectSuperSpeed()
	var starts []time.Duration
	h.m.OnDMA(func(tr *sim.Transfer) {
		starts = append(starts, h.m.Elapsed())
		h.m.Complete(tr.Handle, nil, pkg.TransferStatusFailure)
	})
	h.l.SetSetupHandler(SetupHandlerFunc(func(*hal.SetupPacket) bool {
		_ = h.l.SendEP0(context.Background(), []byte{1, 2})
		return true
	}))
	h.setup(true, getDescriptor)

	cfg := h.l.Config()
	want := []time.Duration{cfg.Ep0RetryDelay, 2 * cfg.Ep0RetryDelay, 4 * cfg.Ep0RetryDelay}
	if len(starts) != len(want)+1 {
		t.Fatalf("transfers = %d, want %d", len(starts), len(want)+1)
	}
	for i, w := range want {
		// Each failed attempt also pulses the EP0 reset before the wait.
		if gap := starts[i+1] - starts[i] - ep0ResetPulse; gap != w {
			t.Errorf("delay before retry %d = %v, want %v", i+1, gap, w)
		}
	}
}

// The ISR may latch a new SETUP while the event loop picks up the previous
// one; the packet served must always be the one its sequence number names.
func TestSetupLatchedWithSequence(t *testing.T) {
	h := newHarness(t)
	h.connectSuperSpeed()
	h.l.SetEventHandler(nil)
	h.l.SetSetupHandler(SetupHandlerFunc(func(*hal.SetupPacket) bool { return true }))
	base := h.l.setupSeq.Load()

	const n = 2000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= n; i++ {
			pkt := hal.SetupPacket{RequestType: 0x40, Request: 0xA0, Value: uint16(i)}
			w0, w1 := pkt.Words()
			h.m.Poke(hal.ProtSetupdat0, w0)
			h.m.Poke(hal.ProtSetupdat1, w1)
			h.l.latchSetup(hal.ProtSetupdat0, hal.ProtSetupdat1)
		}
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		h.l.onSetup()
		if seq := h.l.ctrl.seq - base; seq != 0 && uint32(h.l.ctrl.setup.Value) != seq {
			t.Fatalf("setup value %d served as sequence %d", h.l.ctrl.setup.Value, seq)
		}
	}
}
