// Package link implements the FX3 USB 2.0/3.0 link core.
//
// A [Link] owns both PHYs of one USB interface block and decides, from VBUS
// presence and the SuperSpeed failure count, which of them drives the bus.
// It tracks the LTSSM, negotiates U1/U2 entry with the host and turns the
// two control-transfer engines (USB 2.0 SIE and USB 3.0 protocol layer)
// into one endpoint-0 abstraction.
//
// # Interrupts and the event loop
//
// [Link.HandleInterrupt] is the only interrupt-context entry point. It
// reads and clears the unmasked causes of a line, performs the few writes
// that cannot wait (accepting U3, clearing an EP0 stall on SUTOK, latching
// the SETUP packet) and posts the causes. Everything else runs in the
// event loop, [Link.Run] or [Link.ProcessPending]:
//
//	l, _ := link.New(hw, link.DefaultConfig())
//	l.SetEventHandler(link.EventHandlerFunc(func(ev link.Event) {
//	    log.Println(ev)
//	}))
//	hw.SetInterruptHandler(l.HandleInterrupt)
//	l.Start(true)
//	go l.Run(ctx)
//
// Pending causes coalesce: handlers re-read hardware state, so one pass
// serves any number of occurrences.
//
// # Connection engine
//
// On VBUS the engine tries SuperSpeed first. A training failure (Compliance
// before the first SETUP, or the LTSSM staying outside the connected range
// past [Config.DisconnectBudget]) falls back to USB 2.0 and counts toward
// [Config.MaxSuperSpeedFailures]. While below the limit, every USB 2.0 bus
// reset starts a parallel SuperSpeed attempt; once reached, SuperSpeed is
// not tried again until VBUS is cycled.
//
// # Control transfers
//
// A [SetupHandler] sees every SETUP packet and completes the request with
// [Link.AckSetup], [Link.SendEP0], [Link.RecvEP0] or [Link.StallEP0]. A
// newer SETUP cancels whatever the previous request had in flight; the
// cancelled call returns an error wrapping pkg.ErrAborted.
package link
