// Command fx3sim runs USB link scenarios against a simulated FX3.
//
// A scenario is a line-oriented script. Each line is one stimulus (VBUS,
// LTSSM transitions, SETUP packets, bus resets, virtual time) or one
// expectation on the resulting state; application events and EP0 IN data
// are printed as they occur. The script is read from a file, from stdin,
// or from a serial port for hardware-in-the-loop setups where another
// machine generates the stimulus.
//
// Usage:
//
//	fx3sim [options] [script]
//
// Options:
//
//	-v                  Enable verbose (debug) logging
//	-json               Use JSON log format
//	-serial PORT        Read the script from a serial port
//	-baud N             Serial baud rate (default: 115200)
//	-max-ss-failures N  SuperSpeed failures before USB 2.0 only (default: 3)
//	-keep-failures      Keep the failure count across VBUS cycles
//	-compliance-test    Treat Compliance entry as a compliance test
//	-keep-going         Report failing lines and continue
//
// Example script:
//
//	start ss
//	vbus on
//	link Polling.RxEQ
//	link U0 connect
//	expect conn ActiveSuperSpeed
//	setup 0x80 6 0x0100 0 18
//	setup 0 5 7 0 0
//	expect address 7
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/fx3usb/device/link"
	"github.com/ardnew/fx3usb/pkg"
)

// component identifies this executable for structured logging.
const component = pkg.Component("fx3sim")

func main() {
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	jsonLog := flag.Bool("json", false, "use JSON log format")
	port := flag.String("serial", "", "read the script from serial `port`")
	baud := flag.Int("baud", 115200, "serial baud rate")
	maxFailures := flag.Int("max-ss-failures", link.DefaultConfig().MaxSuperSpeedFailures,
		"superspeed failures before falling back to usb 2.0 only")
	keepFailures := flag.Bool("keep-failures", false, "keep the failure count across vbus cycles")
	compliance := flag.Bool("compliance-test", false, "treat compliance entry as a compliance test")
	keepGoing := flag.Bool("keep-going", false, "report failing lines and continue")
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if *jsonLog {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	src, err := openSource(*port, *baud, flag.Arg(0))
	if err != nil {
		pkg.LogError(component, "failed to open script", "error", err)
		os.Exit(1)
	}

	cfg := link.DefaultConfig()
	cfg.MaxSuperSpeedFailures = *maxFailures
	cfg.KeepFailuresAcrossVbus = *keepFailures
	cfg.ComplianceTestMode = *compliance

	r, err := newRunner(cfg, os.Stdout)
	if err != nil {
		pkg.LogError(component, "failed to create simulation", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		pkg.LogInfo(component, "shutting down")
		cancel()
	}()

	if err := run(ctx, r, src, *keepGoing); err != nil {
		pkg.LogError(component, "scenario failed", "error", err)
		os.Exit(1)
	}
}

// openSource returns the script source: a serial port, a file, or stdin.
func openSource(port string, baud int, path string) (io.ReadCloser, error) {
	switch {
	case port != "":
		p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, fmt.Errorf("serial %s: %w", port, err)
		}
		pkg.LogInfo(component, "reading script from serial port", "port", port, "baud", baud)
		return p, nil
	case path == "" || path == "-":
		return os.Stdin, nil
	default:
		return os.Open(path)
	}
}

// run feeds src to r. Reading and execution run concurrently so a slow
// source (a serial link) never stalls the event loop between lines.
func run(ctx context.Context, r *runner, src io.ReadCloser, keepGoing bool) error {
	g, ctx := errgroup.WithContext(ctx)
	lines := make(chan string)
	var stopped atomic.Bool

	g.Go(func() error {
		defer close(lines)
		sc := bufio.NewScanner(src)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return nil
			}
		}
		if err := sc.Err(); err != nil && !stopped.Load() {
			return fmt.Errorf("read script: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer func() {
			stopped.Store(true)
			src.Close()
		}()
		n := 0
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				n++
				if err := r.exec(ctx, line); err != nil {
					if !keepGoing {
						return fmt.Errorf("line %d: %w", n, err)
					}
					pkg.LogWarn(component, "line failed", "line", n, "error", err)
				}
			}
		}
	})

	return g.Wait()
}
