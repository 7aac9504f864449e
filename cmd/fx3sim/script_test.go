package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ardnew/fx3usb/device/link"
)

func runScript(t *testing.T, script string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	r, err := newRunner(link.DefaultConfig(), &out)
	if err != nil {
		t.Fatalf("newRunner: %v", err)
	}
	err = run(context.Background(), r, io.NopCloser(strings.NewReader(script)), false)
	return out.String(), err
}

const connectSS = `
start ss
vbus on
link Polling.RxEQ
link U0 connect
`

func TestScriptSuperSpeedEnumeration(t *testing.T) {
	out, err := runScript(t, connectSS+`
# device descriptor, then address and configuration
expect conn ActiveSuperSpeed
expect device Default
setup 0x80 6 0x0100 0 18
setup 0 5 7 0 0
expect address 7
setup 0 9 1 0 0
expect device Configured
setup 0 3 48 0 0
data 0a 14 2c 01 90 01
setup 0 0x30 0 0 6
show
`)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{
		"event Connect(SuperSpeed)",
		"in  12 01 20 03",
		"u1=true u2=false",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestScriptFallback(t *testing.T) {
	out, err := runScript(t, `
start ss
vbus on
link Compliance
expect failures 1
expect conn ActiveUsb2
busreset hs
expect speed HighSpeed
setup 0x80 6 0x0200 0 9
`)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{
		"event Usb3LinkTrainingFailed(1)",
		"event Connect(HighSpeed)",
		"in  09 02 20 00",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestScriptErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   error
	}{
		{"unknown", "frobnicate\n", errUnknownCommand},
		{"usage", "vbus maybe\n", errUsage},
		{"bad state", "link U7\n", errUsage},
		{"setup args", "setup 0x80 6\n", errUsage},
		{"expectation", "start ss\nexpect conn ActiveUsb2\n", errExpect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runScript(t, tt.script); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestScriptKeepGoing(t *testing.T) {
	var out bytes.Buffer
	r, err := newRunner(link.DefaultConfig(), &out)
	if err != nil {
		t.Fatal(err)
	}
	script := "bogus\nstart usb2\nexpect conn Idle\n"
	if err := run(context.Background(), r, io.NopCloser(strings.NewReader(script)), true); err != nil {
		t.Errorf("run: %v", err)
	}
	if !r.link.IsRunning() {
		t.Error("lines after the failure were not executed")
	}
}

func TestScriptHandoffAndWarmStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handoff.bin")
	out, err := runScript(t, connectSS+"handoff "+path+"\n")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}

	out, err = runScript(t, `
warm `+path+`
expect conn ActiveSuperSpeed
expect device Default
setup 0x80 6 0x0100 0 18
`)
	if err != nil {
		t.Fatalf("warm run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "event Connect(SuperSpeed)") || !strings.Contains(out, "in  12 01 20 03") {
		t.Errorf("warm output:\n%s", out)
	}
}
