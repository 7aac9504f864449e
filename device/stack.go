package device

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/fx3usb/device/boot"
	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/device/link"
	"github.com/ardnew/fx3usb/pkg"
)

// Stack binds a Device to the link core: it answers standard requests on
// EP0, follows link events with the device state machine, and forwards
// class and vendor requests to the application.
type Stack struct {
	device  *Device
	link    *link.Link
	handler *StandardRequestHandler

	requests link.SetupHandler
	onEvent  func(ev link.Event)

	ctx   context.Context
	mutex sync.RWMutex

	// EP0 read buffer for control OUT data stages.
	ep0ReadBuf [MaxControlDataSize]byte
}

// NewStack creates a stack for dev on l and installs itself as the link's
// setup and event handler.
func NewStack(dev *Device, l *link.Link) *Stack {
	s := &Stack{
		device: dev,
		link:   l,
		ctx:    context.Background(),
	}
	s.handler = NewStandardRequestHandler(dev, l)
	l.SetSetupHandler(s)
	l.SetEventHandler(s)
	return s
}

// Device returns the underlying device.
func (s *Stack) Device() *Device {
	return s.device
}

// Link returns the underlying link core.
func (s *Stack) Link() *link.Link {
	return s.link
}

// SetRequestHandler installs the handler for class and vendor requests.
// It runs on the event loop and completes the control transfer through
// the link's EP0 methods.
func (s *Stack) SetRequestHandler(h link.SetupHandler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.requests = h
}

// SetOnEvent sets the callback receiving every link event after the
// device state has been updated.
func (s *Stack) SetOnEvent(cb func(ev link.Event)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onEvent = cb
}

// Start powers the link up. ctx bounds every EP0 transfer the stack
// performs.
func (s *Stack) Start(ctx context.Context, enableSS bool) error {
	s.mutex.Lock()
	s.ctx = ctx
	s.mutex.Unlock()
	if err := s.link.Start(enableSS); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentStack, "device stack started", "superspeed", enableSS)
	return nil
}

// StartWarm validates a no-renumeration table left by the previous image,
// adopts its descriptors and starts the link on the existing connection.
// An invalid table falls back to a cold start with the current
// descriptors.
func (s *Stack) StartWarm(ctx context.Context, buf []byte, enableSS bool) error {
	st, tbl, err := boot.CheckNoRenumStructure(buf)
	if err != nil {
		pkg.LogInfo(pkg.ComponentStack, "no warm state, cold start", "error", err)
		return s.Start(ctx, enableSS)
	}
	if err := s.device.Descriptors().LoadTable(tbl); err != nil {
		return err
	}
	s.mutex.Lock()
	s.ctx = ctx
	s.mutex.Unlock()
	return s.link.StartWarm(st, enableSS)
}

// Run services link events until ctx is done.
func (s *Stack) Run(ctx context.Context) error {
	return s.link.Run(ctx)
}

// Stop shuts the link down. The device detaches when the teardown reports
// the disconnect on the event loop.
func (s *Stack) Stop() error {
	if err := s.link.Stop(); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return nil
}

// Handoff returns the warm-boot table describing the current connection,
// for the next firmware image to adopt.
func (s *Stack) Handoff() *boot.Table {
	speed := s.link.Speed()
	return s.device.Descriptors().Table(speed != hal.SpeedNotConnected, speed)
}

// HandleSetup implements link.SetupHandler.
func (s *Stack) HandleSetup(pkt *hal.SetupPacket) bool {
	s.mutex.RLock()
	ctx, requests := s.ctx, s.requests
	s.mutex.RUnlock()

	pkg.LogDebug(pkg.ComponentStack, "setup received", "request", pkt.String())

	if !pkt.IsStandard() {
		if requests == nil {
			return false
		}
		return requests.HandleSetup(pkt)
	}

	var data []byte
	if !pkt.IsDeviceToHost() && pkt.Length > 0 {
		if int(pkt.Length) > MaxControlDataSize {
			return false
		}
		n, err := s.link.RecvEP0(ctx, s.ep0ReadBuf[:pkt.Length])
		if err != nil {
			s.logFailure(pkt, err)
			return false
		}
		data = s.ep0ReadBuf[:n]
	}

	resp, err := s.handler.HandleSetup(pkt, data)
	if err != nil {
		pkg.LogWarn(pkg.ComponentStack, "error handling setup",
			"error", err,
			"request", pkt.String())
		return false
	}

	if pkt.IsDeviceToHost() {
		err = s.link.SendEP0(ctx, resp)
	} else {
		err = s.link.AckSetup()
	}
	if err != nil {
		s.logFailure(pkt, err)
		return false
	}
	return true
}

func (s *Stack) logFailure(pkt *hal.SetupPacket, err error) {
	if errors.Is(err, pkg.ErrAborted) {
		pkg.LogDebug(pkg.ComponentStack, "control transfer superseded", "request", pkt.String())
		return
	}
	pkg.LogWarn(pkg.ComponentStack, "control transfer failed",
		"error", err,
		"request", pkt.String())
}

// HandleEvent implements link.EventHandler.
func (s *Stack) HandleEvent(ev link.Event) {
	switch ev.Kind {
	case link.EventConnect:
		s.device.Attach(ev.Speed)
		s.device.Reset()
	case link.EventReset:
		s.device.Reset()
	case link.EventDisconnect:
		s.device.Detach()
	case link.EventSpeedChange:
		s.device.SetSpeed(ev.Speed)
	case link.EventSuspend:
		s.device.Suspend()
	case link.EventResume:
		s.device.Resume()
	}

	s.mutex.RLock()
	cb := s.onEvent
	s.mutex.RUnlock()
	if cb != nil {
		cb(ev)
	}
}
