package link

import (
	"time"

	"github.com/ardnew/fx3usb/pkg"
)

// poll describes a bounded retry loop: cond is sampled every interval until
// it reports done or budget has elapsed on the link clock.
type poll struct {
	name     string
	interval time.Duration
	budget   time.Duration

	// busy selects BusyWait instead of Sleep between samples. Used for
	// waits that must not let other event-loop work interleave.
	busy bool
}

// until runs p. It returns true when cond finished the loop (with cond's
// error) and false with a nil error when the budget ran out.
func (l *Link) until(p poll, cond func() (bool, error)) (bool, error) {
	start := l.hw.Now()
	deadline := start.Add(p.budget)
	for samples := 1; ; samples++ {
		done, err := cond()
		if done || err != nil {
			return true, err
		}
		if !l.hw.Now().Before(deadline) {
			pkg.LogDebug(pkg.ComponentLink, "poll gave up",
				"poll", p.name,
				"samples", samples,
				"elapsed", l.hw.Now().Sub(start))
			return false, nil
		}
		if p.busy {
			l.hw.BusyWait(p.interval)
		} else {
			l.hw.Sleep(p.interval)
		}
	}
}
