package hal

import (
	"time"

	"github.com/ardnew/fx3usb/pkg"
)

// Register is the absolute address of a 32-bit memory-mapped register.
type Register uint32

// Bus provides 32-bit register access to the USB interface block.
//
// Writes are order-sensitive: implementations must apply them to hardware
// in call order and must not coalesce them.
type Bus interface {
	// Read returns the current value of r.
	Read(r Register) uint32

	// Write stores v into r. Write-one-to-clear semantics of interrupt
	// cause registers are implemented by the hardware, not the caller.
	Write(r Register, v uint32)
}

// Line identifies a top-level interrupt line at the vectored interrupt
// controller.
type Line uint8

// Interrupt lines used by the link core.
const (
	LineDevCtl Line = iota // USB 2.0 device controller (SIE) control events
	LineDevEp              // USB 2.0 endpoint events
	LineLink               // USB 3.0 link layer (LTSSM)
	LineProt               // USB 3.0 protocol layer
	LineProtEp             // USB 3.0 endpoint events
	LineVbus               // VBUS / IO power change

	NumLines
)

// String returns the line name.
func (l Line) String() string {
	switch l {
	case LineDevCtl:
		return "DEV_CTL"
	case LineDevEp:
		return "DEV_EP"
	case LineLink:
		return "LNK"
	case LineProt:
		return "PROT"
	case LineProtEp:
		return "PROT_EP"
	case LineVbus:
		return "VBUS"
	default:
		return "UNKNOWN"
	}
}

// InterruptController is the vectored interrupt controller collaborator.
type InterruptController interface {
	// EnableLine unmasks line n.
	EnableLine(n Line)

	// DisableLine masks line n.
	DisableLine(n Line)

	// ClearLine acknowledges any pending request on line n.
	ClearLine(n Line)

	// DisableAll masks every line and returns the previous enable mask.
	DisableAll() uint32

	// Restore re-applies an enable mask returned by DisableAll.
	Restore(mask uint32)
}

// Clock provides the monotonic time base for settle delays and bounded
// retry loops.
type Clock interface {
	// Now returns the current monotonic time.
	Now() time.Time

	// BusyWait blocks the calling context for d without yielding.
	// Only used for short (1-250 µs) hardware settle times.
	BusyWait(d time.Duration)

	// Sleep yields the calling context for d. Only called from the event
	// loop, never from interrupt context.
	Sleep(d time.Duration)
}

// Direction is a DMA transfer direction relative to the USB host.
type Direction uint8

// DMA directions.
const (
	DirectionOut Direction = iota // Host to device (consume from USB)
	DirectionIn                   // Device to host (produce to USB)
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirectionIn {
		return "IN"
	}
	return "OUT"
}

// Socket identifies a DMA socket on the USB interface block.
type Socket uint16

// Control endpoint sockets.
const (
	SocketEp0Out Socket = 0x0400 // UIB consumer socket 0
	SocketEp0In  Socket = 0x0500 // UIB producer socket 0
)

// Handle identifies an in-flight one-shot DMA transfer.
type Handle uint32

// DMA is the one-shot socket transfer primitive.
type DMA interface {
	// StartTransfer begins a one-shot transfer of buf on socket.
	StartTransfer(dir Direction, socket Socket, buf []byte) (Handle, error)

	// PollTransfer returns the current status of h and the number of bytes
	// moved so far. It never blocks.
	PollTransfer(h Handle) (pkg.TransferStatus, int)

	// AbortTransfer stops h and resets/flushes its socket.
	AbortTransfer(h Handle)
}

// Controller bundles every hardware collaborator the link core needs.
type Controller interface {
	Bus
	InterruptController
	Clock
	DMA
}

// Set sets the bits in mask on r.
func Set(b Bus, r Register, mask uint32) {
	b.Write(r, b.Read(r)|mask)
}

// Clear clears the bits in mask on r.
func Clear(b Bus, r Register, mask uint32) {
	b.Write(r, b.Read(r)&^mask)
}

// Modify clears the bits in clear then sets the bits in set, in a single
// write.
func Modify(b Bus, r Register, clear, set uint32) {
	b.Write(r, (b.Read(r)&^clear)|set)
}

// Get returns the field of r selected by mask, shifted down to bit 0.
func Get(b Bus, r Register, mask uint32, shift uint) uint32 {
	return (b.Read(r) & mask) >> shift
}

// WaitFor polls r until (r & mask) == want or timeout elapses, sleeping
// interval between reads. It reports whether the condition was met.
func WaitFor(clk Clock, b Bus, r Register, mask, want uint32, timeout, interval time.Duration) bool {
	deadline := clk.Now().Add(timeout)
	for {
		if b.Read(r)&mask == want {
			return true
		}
		if !clk.Now().Before(deadline) {
			return false
		}
		clk.BusyWait(interval)
	}
}
