package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/fx3usb/device/boot"
	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/device/phy"
	"github.com/ardnew/fx3usb/pkg"
)

// ConnState is the state of the connection and speed decision engine.
type ConnState uint32

// Connection states.
const (
	StateIdle ConnState = iota
	StateAttemptingSuperSpeed
	StateActiveSuperSpeed
	StateFallingBack
	StateActiveUsb2
	StateDisconnected
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAttemptingSuperSpeed:
		return "AttemptingSuperSpeed"
	case StateActiveSuperSpeed:
		return "ActiveSuperSpeed"
	case StateFallingBack:
		return "FallingBackToUsb2"
	case StateActiveUsb2:
		return "ActiveUsb2"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("ConnState(%d)", uint32(s))
	}
}

// Link is the USB link context: the connection engine, LTSSM dispatcher,
// LPM negotiator and EP0 coordinator of one FX3 USB block.
//
// HandleInterrupt is the only method meant for interrupt context. Every
// other method that changes link state either posts to the event loop or
// must itself be called from the event loop (handlers run there).
type Link struct {
	hw  hal.Controller
	phy *phy.Controller
	cfg Config

	events EventHandler
	setup  SetupHandler

	pending causeSet
	wake    chan struct{}

	// Written by the ISR.
	setupMu     sync.Mutex
	setupPkt    hal.SetupPacket
	setupSeq    atomic.Uint32
	statusSeq   atomic.Uint32
	lmpForce    atomic.Bool
	underrun    atomic.Uint32
	lastState   atomic.Uint32
	linkErrors  atomic.Uint32
	lpmRequest  atomic.Uint32
	u1u2Request atomic.Uint32

	// Shared with other goroutines for reporting.
	running  atomic.Bool
	state    atomic.Uint32
	speed    atomic.Uint32
	attempts atomic.Int32

	// Owned by the event loop.
	enableSS     bool
	vbus         bool
	connected    bool
	suspended    bool
	ssSetupSeen  bool
	squelchFix   bool
	verifying    bool
	warm         boot.State
	lpm          lpmState
	ctrl         controlContext
	errWindowAt  time.Time
	errWindowCnt int
}

// New returns a stopped link bound to hw.
func New(hw hal.Controller, cfg Config) (*Link, error) {
	if hw == nil {
		return nil, pkg.ErrNullPointer
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Link{
		hw:   hw,
		phy:  phy.New(hw),
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
	l.lpm.mode = cfg.InitialLpmMode
	l.lpmRequest.Store(uint32(cfg.InitialLpmMode))
	return l, nil
}

// SetEventHandler installs the application event handler. Call before
// Start.
func (l *Link) SetEventHandler(h EventHandler) { l.events = h }

// SetSetupHandler installs the SETUP handler. Call before Start.
func (l *Link) SetSetupHandler(h SetupHandler) { l.setup = h }

// Config returns the link configuration.
func (l *Link) Config() Config { return l.cfg }

// State returns the connection engine state.
func (l *Link) State() ConnState { return ConnState(l.state.Load()) }

// Speed returns the current connection speed.
func (l *Link) Speed() hal.Speed { return hal.Speed(l.speed.Load()) }

// AttemptsFailed returns the SuperSpeed training failure count.
func (l *Link) AttemptsFailed() int { return int(l.attempts.Load()) }

// LinkState returns the observed LTSSM state.
func (l *Link) LinkState() hal.LinkState { return l.phy.LinkState() }

// PHY returns the PHY controller. Intended for inspection; all PHY
// sequencing is done by the link.
func (l *Link) PHY() *phy.Controller { return l.phy }

// IsRunning reports whether Start has been called without Stop.
func (l *Link) IsRunning() bool { return l.running.Load() }

// Start arms VBUS detection. When VBUS is already present the connection
// engine starts on the next event loop pass. enableSS allows SuperSpeed
// attempts; false keeps the device USB 2.0 only.
func (l *Link) Start(enableSS bool) error {
	if !l.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	l.enableSS = enableSS
	l.setState(StateIdle)

	l.hw.Write(hal.GctlIoPowerIntr, hal.IoPowerVbus)
	l.hw.Write(hal.GctlIoPowerIntrMask, hal.IoPowerVbus)
	l.hw.EnableLine(hal.LineVbus)
	if l.hw.Read(hal.GctlIoPower)&hal.IoPowerVbus != 0 {
		l.post(causeVbus)
	}
	pkg.LogInfo(pkg.ComponentLink, "link started", "superspeed", enableSS)
	return nil
}

// StartWarm starts the link from a warm-boot hand-off. When st reports the
// USB connection as live, the existing connection is adopted without PHY
// bring-up; otherwise StartWarm behaves like Start.
func (l *Link) StartWarm(st boot.State, enableSS bool) error {
	if !st.UsbWasOn {
		return l.Start(enableSS)
	}
	if st.Speed == hal.SpeedNotConnected || (st.Speed == hal.SpeedSuper) != st.SSConnect {
		return fmt.Errorf("warm start speed %v ss=%v: %w", st.Speed, st.SSConnect, pkg.ErrBadArgument)
	}
	if !l.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	l.enableSS = enableSS
	l.warm = st
	// VBUS is sampled when the connection is adopted; an edge latched
	// before that is stale.
	l.hw.Write(hal.GctlIoPowerIntr, hal.IoPowerVbus)
	l.hw.ClearLine(hal.LineVbus)
	l.hw.Write(hal.GctlIoPowerIntrMask, hal.IoPowerVbus)
	l.hw.EnableLine(hal.LineVbus)
	l.post(causeWarm)
	pkg.LogInfo(pkg.ComponentLink, "link warm start", "speed", st.Speed)
	return nil
}

// Stop tears the link down on the next event loop pass.
func (l *Link) Stop() error {
	if !l.running.Load() {
		return pkg.ErrNotRunning
	}
	l.post(causeStop)
	return nil
}

// Run services link events until ctx is done.
func (l *Link) Run(ctx context.Context) error {
	for {
		l.ProcessPending()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// ProcessPending services every pending cause, highest priority first, and
// returns when none is left. Handlers may post further causes; those are
// served in the same call.
func (l *Link) ProcessPending() {
	for {
		c := l.pending.pop()
		if c == causeNone {
			return
		}
		l.dispatch(c)
	}
}

func (l *Link) post(c cause) {
	if l.pending.add(c) {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

func (l *Link) dispatch(c cause) {
	switch c {
	case causeStop:
		l.onStop()
	case causeWarm:
		l.onWarm()
	case causeVbus:
		l.onVbus()
	case causeLinkDisconnect:
		l.onLinkDisconnect()
	case causeLinkReset:
		l.onLinkReset()
	case causeLinkConnect:
		l.onLinkConnect()
	case causeLinkState:
		l.onLinkState()
	case causeLinkError:
		l.onLinkError()
	case causeBusReset:
		l.onBusReset()
	case causeHsGrant:
		l.onHsGrant()
	case causeSetup:
		l.onSetup()
	case causeStatus:
		l.onStatus()
	case causeLmp:
		l.onLmp()
	case causePolicy:
		l.onPolicy()
	case causeSuspend:
		l.onSuspend()
	case causeResume:
		l.onResume()
	case causeUnderrun:
		l.onUnderrun()
	}
}

func (l *Link) raise(ev Event) {
	pkg.LogDebug(pkg.ComponentLink, "event", "event", ev.String())
	if l.events != nil {
		l.events.HandleEvent(ev)
	}
}

func (l *Link) setState(s ConnState) {
	old := ConnState(l.state.Swap(uint32(s)))
	if old != s {
		pkg.LogDebug(pkg.ComponentLink, "connection state", "from", old, "to", s)
	}
}

func (l *Link) setSpeed(s hal.Speed) {
	l.speed.Store(uint32(s))
}

// vbusPresent reads VBUS directly. Bounded loops use it to bail out without
// waiting for the event loop.
func (l *Link) vbusPresent() bool {
	return l.hw.Read(hal.GctlIoPower)&hal.IoPowerVbus != 0
}

func (l *Link) onStop() {
	l.teardown()
	l.hw.DisableLine(hal.LineVbus)
	l.hw.Write(hal.GctlIoPowerIntrMask, 0)
	l.vbus = false
	l.pending.clear()
	l.running.Store(false)
	l.setState(StateIdle)
	pkg.LogInfo(pkg.ComponentLink, "link stopped")
}

// onWarm adopts a connection left up by the previous firmware image. If
// VBUS went away during the hand-off there is no connection to adopt: the
// PHY the previous image left running is shut down and the link waits for
// VBUS like a cold start.
func (l *Link) onWarm() {
	st := l.warm
	l.phy.Adopt(st.Speed)
	if !l.vbusPresent() {
		pkg.LogWarn(pkg.ComponentLink, "vbus lost during hand-off, dropping adopted connection", "speed", st.Speed)
		l.teardown()
		l.vbus = false
		l.setState(StateIdle)
		return
	}
	l.vbus = true
	l.setSpeed(st.Speed)
	if st.SSConnect {
		l.enableControlEndpoints()
		l.setState(StateActiveSuperSpeed)
		l.applyLpm()
	} else {
		l.setState(StateActiveUsb2)
	}
	l.connected = true
	pkg.LogInfo(pkg.ComponentLink, "adopted warm connection", "speed", st.Speed)
	l.raise(Event{Kind: EventConnect, Speed: st.Speed})
}
