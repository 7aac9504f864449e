// Package sim implements an in-memory FX3 USB interface block for tests and
// scripted simulations.
//
// A [Machine] satisfies hal.Controller. Registers are a flat map with the
// write-one-to-clear behavior of interrupt cause registers and the
// force-and-hold behavior of the LTSSM override. Every write is logged so
// tests can assert ordering of hardware side effects.
//
// Time is virtual. It moves only when the code under test busy-waits or
// sleeps, or when a test calls [Machine.Advance]. Actions scheduled with
// [Machine.At] fire as time passes, which is how a test injects link state
// changes and interrupts in the middle of a bounded retry loop:
//
//	m := sim.New()
//	m.At(5*time.Millisecond, func() {
//	    m.SetLinkState(hal.LinkU0)
//	    m.Raise(hal.LineLink, hal.LnkLtssmStateChg)
//	})
//
// Interrupts are delivered synchronously to the handler installed with
// [Machine.SetInterruptHandler], from whichever goroutine raised them,
// provided the line is enabled at the VIC and a raised cause bit is unmasked.
package sim
