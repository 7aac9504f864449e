package link

import (
	"strings"
	"sync/atomic"
)

// cause is a set of pending hardware causes posted by the ISR. Lower bits
// are served first.
type cause uint32

const (
	causeNone cause = 0

	causeStop cause = 1 << iota
	causeVbus
	causeLinkDisconnect
	causeLinkReset
	causeLinkConnect
	causeLinkState
	causeLinkError
	causeBusReset
	causeHsGrant
	causeSetup
	causeStatus
	causeLmp
	causePolicy
	causeSuspend
	causeResume
	causeUnderrun
	causeWarm

	causeLast = causeWarm
)

var causeNames = [...]string{
	"Stop", "Vbus", "LinkDisconnect", "LinkReset", "LinkConnect",
	"LinkState", "LinkError", "BusReset", "HsGrant", "Setup", "Status",
	"Lmp", "Policy", "Suspend", "Resume", "Underrun", "Warm",
}

func (c cause) String() string {
	if c == causeNone {
		return "None"
	}
	var names []string
	for i, n := range causeNames {
		if c&(causeStop<<i) != 0 {
			names = append(names, n)
		}
	}
	return strings.Join(names, "|")
}

// causeSet is a coalescing, priority-ordered queue of causes. Posting a
// cause that is already pending is a no-op: handlers always re-read the
// hardware, so one service covers every occurrence.
type causeSet struct {
	bits atomic.Uint32
}

// add marks c pending and reports whether anything new was added.
func (s *causeSet) add(c cause) bool {
	old := s.bits.Or(uint32(c))
	return cause(old)&c != c
}

// pop removes and returns the highest priority pending cause.
func (s *causeSet) pop() cause {
	for {
		v := s.bits.Load()
		if v == 0 {
			return causeNone
		}
		low := v & -v
		if s.bits.CompareAndSwap(v, v&^low) {
			return cause(low)
		}
	}
}

// has reports whether any cause in c is pending, without clearing it.
func (s *causeSet) has(c cause) bool {
	return cause(s.bits.Load())&c != 0
}

func (s *causeSet) clear() {
	s.bits.Store(0)
}
