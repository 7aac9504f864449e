// Package hal defines the hardware contract between the FX3 link core and the
// USB interface block.
//
// The link core never touches memory directly. Everything it needs from the
// chip is expressed as four small collaborators bundled in [Controller]:
//
//   - [Bus]: ordered 32-bit register reads and writes
//   - [InterruptController]: enable, disable and clear top-level lines
//   - [Clock]: monotonic time, short busy-waits and event-loop sleeps
//   - [DMA]: one-shot socket transfers used for EP0 payloads
//
// Register addresses and bit definitions for the UIB and the global control
// block live in regs.go. Only the subset used by the link core is named.
//
// # Implementing a Controller
//
// On hardware, Bus maps to volatile loads and stores, the interrupt
// controller to the VIC, and DMA to the socket descriptor primitives. For
// tests and simulations, [github.com/ardnew/fx3usb/device/hal/sim] provides
// an in-memory register file with a virtual clock.
//
// # Link states
//
// [LinkState] mirrors the LTSSM encoding of the link layer state register.
// Only states in the numeric range [LinkU0, LinkCompliance] are considered
// connected; see [LinkState.InConnectedRange].
package hal
