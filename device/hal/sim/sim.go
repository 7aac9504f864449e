package sim

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

var _ hal.Controller = (*Machine)(nil)

// WriteRecord is one register write as seen by the machine.
type WriteRecord struct {
	At    time.Duration // virtual time since the machine was created
	Reg   hal.Register
	Value uint32
}

// String formats the write for logs and test failures.
func (w WriteRecord) String() string {
	return fmt.Sprintf("+%v 0x%08X <- 0x%08X", w.At, uint32(w.Reg), w.Value)
}

type action struct {
	at  time.Time
	seq int
	fn  func()
}

// Machine is an in-memory FX3 USB interface block. It implements
// hal.Controller with a virtual clock: time only advances through BusyWait,
// Sleep and Advance, and scheduled actions fire as it does.
type Machine struct {
	mu sync.Mutex

	regs   map[hal.Register]uint32
	ltssm  hal.LinkState
	writes []WriteRecord

	vicEnabled  uint32
	vicPending  uint32
	enableCount [hal.NumLines]int
	critical    int

	start   time.Time
	now     time.Time
	actions []action
	seq     int
	firing  bool

	transfers  map[hal.Handle]*Transfer
	nextHandle hal.Handle
	onDMA      func(*Transfer)

	isr      func(hal.Line)
	watchers map[hal.Register][]func(old, new uint32)
}

// New returns a powered-down machine with the clock at the Unix epoch.
func New() *Machine {
	epoch := time.Unix(0, 0)
	return &Machine{
		regs:      make(map[hal.Register]uint32),
		start:     epoch,
		now:       epoch,
		transfers: make(map[hal.Handle]*Transfer),
		watchers:  make(map[hal.Register][]func(old, new uint32)),
	}
}

// SetInterruptHandler installs the function invoked when an enabled line
// fires. It plays the role of the vector table entry.
func (m *Machine) SetInterruptHandler(fn func(hal.Line)) {
	m.mu.Lock()
	m.isr = fn
	m.mu.Unlock()
}

// Watch registers fn to run after every write to r. Watchers run outside
// the machine lock and may call back into the machine.
func (m *Machine) Watch(r hal.Register, fn func(old, new uint32)) {
	m.mu.Lock()
	m.watchers[r] = append(m.watchers[r], fn)
	m.mu.Unlock()
}

// Read implements hal.Bus.
func (m *Machine) Read(r hal.Register) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLocked(r)
}

func (m *Machine) readLocked(r hal.Register) uint32 {
	if r == hal.LnkLtssmState {
		v := m.regs[r] & (hal.LtssmOverrideValueMask | hal.LtssmOverrideEnable)
		return v | uint32(m.observedLocked())
	}
	return m.regs[r]
}

func (m *Machine) observedLocked() hal.LinkState {
	v := m.regs[hal.LnkLtssmState]
	if v&hal.LtssmOverrideEnable != 0 {
		return hal.LinkState((v & hal.LtssmOverrideValueMask) >> hal.LtssmOverrideValueShift)
	}
	return m.ltssm
}

// Write implements hal.Bus.
func (m *Machine) Write(r hal.Register, v uint32) {
	m.mu.Lock()
	old := m.readLocked(r)
	m.writes = append(m.writes, WriteRecord{At: m.now.Sub(m.start), Reg: r, Value: v})
	switch {
	case hal.IsW1C(r):
		m.regs[r] &^= v
	case r == hal.LnkLtssmState:
		m.regs[r] = v & (hal.LtssmOverrideValueMask | hal.LtssmOverrideEnable)
	case r == hal.UibPower:
		// The power domain reports ready as soon as it is enabled.
		v &^= hal.PowerActive
		if v&hal.PowerEnable != 0 {
			v |= hal.PowerActive
		}
		m.regs[r] = v | m.regs[r]&hal.PowerVbus
	default:
		m.regs[r] = v
	}
	cur := m.readLocked(r)
	watchers := append([]func(old, new uint32){}, m.watchers[r]...)
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(old, cur)
	}
}

// Poke stores v into r without logging, watchers or write-one-to-clear
// semantics. It models hardware-owned status bits.
func (m *Machine) Poke(r hal.Register, v uint32) {
	m.mu.Lock()
	m.regs[r] = v
	m.mu.Unlock()
}

// PokeBits sets (on) or clears the bits in mask of r, like Poke.
func (m *Machine) PokeBits(r hal.Register, mask uint32, on bool) {
	m.mu.Lock()
	if on {
		m.regs[r] |= mask
	} else {
		m.regs[r] &^= mask
	}
	m.mu.Unlock()
}

// Peek returns r without side effects.
func (m *Machine) Peek(r hal.Register) uint32 {
	return m.Read(r)
}

// SetLinkState moves the underlying LTSSM to s. While the override is held
// the observed state stays forced; s takes effect on release.
func (m *Machine) SetLinkState(s hal.LinkState) {
	m.mu.Lock()
	m.ltssm = s
	m.mu.Unlock()
}

// LinkState returns the observed LTSSM state.
func (m *Machine) LinkState() hal.LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observedLocked()
}

// Writes returns a copy of the write log.
func (m *Machine) Writes() []WriteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WriteRecord(nil), m.writes...)
}

// ResetWrites clears the write log.
func (m *Machine) ResetWrites() {
	m.mu.Lock()
	m.writes = m.writes[:0]
	m.mu.Unlock()
}

// Rises counts writes to r that took the bits in mask from clear to set.
func (m *Machine) Rises(r hal.Register, mask uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev uint32
	n := 0
	for _, w := range m.writes {
		if w.Reg != r {
			continue
		}
		if prev&mask != mask && w.Value&mask == mask {
			n++
		}
		prev = w.Value
	}
	return n
}

// Raise latches bits in the cause register for line l and, if the line is
// enabled at the VIC and any raised bit is unmasked, delivers the interrupt.
func (m *Machine) Raise(l hal.Line, bits uint32) {
	intr, mask := hal.LineCause(l)
	m.mu.Lock()
	m.regs[intr] |= bits
	deliver := m.regs[mask]&bits != 0
	if deliver && m.vicEnabled&(1<<l) == 0 {
		m.vicPending |= 1 << l
		deliver = false
	}
	isr := m.isr
	m.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "raise", "line", l, "bits", fmt.Sprintf("0x%X", bits), "delivered", deliver)
	if deliver && isr != nil {
		isr(l)
	}
}

// EnableLine implements hal.InterruptController. A request that arrived
// while the line was disabled is delivered on enable.
func (m *Machine) EnableLine(l hal.Line) {
	m.mu.Lock()
	m.vicEnabled |= 1 << l
	m.enableCount[l]++
	pending := m.vicPending&(1<<l) != 0
	m.vicPending &^= 1 << l
	isr := m.isr
	m.mu.Unlock()

	if pending && isr != nil {
		isr(l)
	}
}

// DisableLine implements hal.InterruptController.
func (m *Machine) DisableLine(l hal.Line) {
	m.mu.Lock()
	m.vicEnabled &^= 1 << l
	m.mu.Unlock()
}

// ClearLine implements hal.InterruptController.
func (m *Machine) ClearLine(l hal.Line) {
	m.mu.Lock()
	m.vicPending &^= 1 << l
	m.mu.Unlock()
}

// DisableAll implements hal.InterruptController.
func (m *Machine) DisableAll() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.vicEnabled
	m.vicEnabled = 0
	m.critical++
	return prev
}

// Restore implements hal.InterruptController.
func (m *Machine) Restore(mask uint32) {
	m.mu.Lock()
	m.vicEnabled = mask
	pending := m.vicPending & mask
	m.vicPending &^= pending
	isr := m.isr
	m.mu.Unlock()

	if isr == nil {
		return
	}
	for l := hal.Line(0); l < hal.NumLines; l++ {
		if pending&(1<<l) != 0 {
			isr(l)
		}
	}
}

// LineEnabled reports whether l is enabled at the VIC.
func (m *Machine) LineEnabled(l hal.Line) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vicEnabled&(1<<l) != 0
}

// EnableCount returns how many times l has been enabled.
func (m *Machine) EnableCount(l hal.Line) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enableCount[l]
}

// CriticalSections returns how many times DisableAll was called.
func (m *Machine) CriticalSections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.critical
}

// Now implements hal.Clock.
func (m *Machine) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Elapsed returns the virtual time since the machine was created.
func (m *Machine) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now.Sub(m.start)
}

// BusyWait implements hal.Clock.
func (m *Machine) BusyWait(d time.Duration) { m.Advance(d) }

// Sleep implements hal.Clock.
func (m *Machine) Sleep(d time.Duration) { m.Advance(d) }

// At schedules fn to run once the clock has advanced by d from now.
func (m *Machine) At(d time.Duration, fn func()) {
	m.mu.Lock()
	m.seq++
	m.actions = append(m.actions, action{at: m.now.Add(d), seq: m.seq, fn: fn})
	sort.Slice(m.actions, func(i, j int) bool {
		if m.actions[i].at.Equal(m.actions[j].at) {
			return m.actions[i].seq < m.actions[j].seq
		}
		return m.actions[i].at.Before(m.actions[j].at)
	})
	m.mu.Unlock()
}

// Pending returns the number of scheduled actions not yet fired.
func (m *Machine) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

// Advance moves the clock forward by d, firing due actions in time order.
// Actions scheduled from within an action fire in the same call if due.
func (m *Machine) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	if m.firing {
		// Nested advance from inside an action: only move time.
		if target.After(m.now) {
			m.now = target
		}
		m.mu.Unlock()
		return
	}
	m.firing = true
	for len(m.actions) > 0 && !m.actions[0].at.After(target) {
		a := m.actions[0]
		m.actions = m.actions[1:]
		if a.at.After(m.now) {
			m.now = a.at
		}
		m.mu.Unlock()
		a.fn()
		m.mu.Lock()
	}
	if target.After(m.now) {
		m.now = target
	}
	m.firing = false
	m.mu.Unlock()
}
