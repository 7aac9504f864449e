// Package phy sequences the FX3 USB 2.0 and USB 3.0 PHYs.
//
// The two PHYs share one analog front end and one endpoint manager clock
// mux, so enabling or disabling either one is a fixed-order series of
// register writes and short settle delays:
//
//   - UIB power up and wait for the domain to report ready
//   - PHY-specific configuration (termination and LFPS for SuperSpeed,
//     chirp or full-speed termination for USB 2.0)
//   - EPM clock re-mux with the clock gated
//   - for SuperSpeed, LTSSM forced into SS.Disabled for 100 µs and released
//   - interrupt masks and VIC lines enabled last
//
// Disable runs the reverse order and restores the MPLL default inside a
// critical section. Both operations are idempotent: a call that matches the
// current state writes nothing.
//
// There are no error returns. These are register pokes with fixed delays,
// and sequencing is the caller's job.
package phy
