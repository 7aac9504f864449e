package link

import (
	"fmt"
	"time"

	"github.com/ardnew/fx3usb/pkg"
)

// Config holds the policy switches and timing budgets of the link core.
// Every bounded wait in the core is expressed here as a duration measured
// against the hal.Clock, never as a loop count.
type Config struct {
	// MaxSuperSpeedFailures is the number of failed SuperSpeed trainings
	// after which only USB 2.0 is attempted until VBUS is cycled.
	MaxSuperSpeedFailures int

	// KeepFailuresAcrossVbus keeps the failure count across VBUS cycles
	// instead of resetting it on each new session.
	KeepFailuresAcrossVbus bool

	// ComplianceTestMode treats entry into Compliance as a compliance test
	// (pattern cycling) rather than a training failure, even before the
	// first SETUP.
	ComplianceTestMode bool

	// DisconnectBudget bounds how long the LTSSM may stay outside the
	// connected range before the link is declared lost.
	DisconnectBudget time.Duration
	// DisconnectPoll is the sample interval during disconnect verification.
	DisconnectPoll time.Duration

	// LfpsResolveBudget bounds the busy-wait for Polling.LFPS to resolve
	// while the USB 2.0 PHY is also live.
	LfpsResolveBudget time.Duration
	// LfpsResolvePoll is the busy-wait step while resolving Polling.LFPS.
	LfpsResolvePoll time.Duration

	// ExitRetryInterval is the period of exit-to-U0 / ERDY retries while a
	// control status stage is pending in U1/U2.
	ExitRetryInterval time.Duration
	// ExitRetryBudget bounds the exit-to-U0 retry loop.
	ExitRetryBudget time.Duration

	// LpmDwell is the minimum time in U0 after a U1/U2 exit before
	// autonomous low-power entry is re-enabled.
	LpmDwell time.Duration

	// InitialLpmMode is the application LPM policy at start.
	InitialLpmMode LpmMode

	// ComplianceTimeout bounds the compliance pattern cycling routine.
	ComplianceTimeout time.Duration
	// CompliancePoll is the LFPS observation interval in Compliance.
	CompliancePoll time.Duration

	// Ep0Timeout bounds a single EP0 DMA transfer.
	Ep0Timeout time.Duration
	// Ep0Poll is the completion poll interval of EP0 DMA transfers.
	Ep0Poll time.Duration
	// Ep0Retries is how often a transient EP0 transfer failure is retried.
	Ep0Retries int
	// Ep0RetryDelay is the wait before the first retry. Each further retry
	// doubles it, up to Ep0RetryMaxDelay.
	Ep0RetryDelay    time.Duration
	Ep0RetryMaxDelay time.Duration

	// LinkErrorLimit is the number of link error threshold interrupts
	// within LinkErrorWindow that forces a SuperSpeed link restart.
	LinkErrorLimit int
	// LinkErrorWindow is the sliding window for LinkErrorLimit.
	LinkErrorWindow time.Duration
}

// DefaultConfig returns the default link configuration.
func DefaultConfig() Config {
	return Config{
		MaxSuperSpeedFailures: 3,
		DisconnectBudget:      800 * time.Millisecond,
		DisconnectPoll:        time.Millisecond,
		LfpsResolveBudget:     50 * time.Millisecond,
		LfpsResolvePoll:       100 * time.Microsecond,
		ExitRetryInterval:     100 * time.Millisecond,
		ExitRetryBudget:       time.Second,
		LpmDwell:              10 * time.Millisecond,
		InitialLpmMode:        LpmAuto,
		ComplianceTimeout:     60 * time.Second,
		CompliancePoll:        time.Millisecond,
		Ep0Timeout:            time.Second,
		Ep0Poll:               100 * time.Microsecond,
		Ep0Retries:            3,
		Ep0RetryDelay:         time.Millisecond,
		Ep0RetryMaxDelay:      20 * time.Millisecond,
		LinkErrorLimit:        16,
		LinkErrorWindow:       time.Second,
	}
}

func (c *Config) validate() error {
	switch {
	case c.MaxSuperSpeedFailures < 0:
		return fmt.Errorf("max superspeed failures %d: %w", c.MaxSuperSpeedFailures, pkg.ErrBadArgument)
	case c.Ep0Retries < 0:
		return fmt.Errorf("ep0 retries %d: %w", c.Ep0Retries, pkg.ErrBadArgument)
	case c.LinkErrorLimit <= 0:
		return fmt.Errorf("link error limit %d: %w", c.LinkErrorLimit, pkg.ErrBadArgument)
	case c.InitialLpmMode > LpmReject:
		return fmt.Errorf("lpm mode %d: %w", c.InitialLpmMode, pkg.ErrBadArgument)
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"disconnect budget", c.DisconnectBudget},
		{"disconnect poll", c.DisconnectPoll},
		{"lfps resolve budget", c.LfpsResolveBudget},
		{"lfps resolve poll", c.LfpsResolvePoll},
		{"exit retry interval", c.ExitRetryInterval},
		{"exit retry budget", c.ExitRetryBudget},
		{"compliance timeout", c.ComplianceTimeout},
		{"compliance poll", c.CompliancePoll},
		{"ep0 timeout", c.Ep0Timeout},
		{"ep0 poll", c.Ep0Poll},
		{"ep0 retry delay", c.Ep0RetryDelay},
		{"link error window", c.LinkErrorWindow},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s %v: %w", d.name, d.v, pkg.ErrBadArgument)
		}
	}
	if c.Ep0RetryMaxDelay < c.Ep0RetryDelay {
		return fmt.Errorf("ep0 retry max delay %v below %v: %w", c.Ep0RetryMaxDelay, c.Ep0RetryDelay, pkg.ErrBadArgument)
	}
	if c.LpmDwell < 0 {
		return fmt.Errorf("lpm dwell %v: %w", c.LpmDwell, pkg.ErrBadArgument)
	}
	return nil
}
