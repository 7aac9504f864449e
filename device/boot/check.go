package boot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// State is what a firmware image learns about the USB connection left
// behind by the image that jumped to it.
type State struct {
	UsbWasOn  bool
	GpioWasOn bool
	Speed     hal.Speed
	SSConnect bool
}

// CheckNoRenumStructure validates the descriptor table in buf. A valid
// table at RevisionMinimum or newer yields the hand-off state and the
// decoded table. Anything else invalidates the signature in buf, so the
// structure is never trusted again, and returns the zero State with an
// error: startup then proceeds without warm boot.
func CheckNoRenumStructure(buf []byte) (State, *Table, error) {
	if buf == nil {
		return State{}, nil, pkg.ErrNullPointer
	}
	t, err := Unmarshal(buf)
	if err == nil && t.Revision.Less(RevisionMinimum) {
		err = fmt.Errorf("revision %v < %v: %w", t.Revision, RevisionMinimum, pkg.ErrOutdatedRevision)
	}
	if err == nil && t.UsbOn && !validSpeed(t) {
		err = fmt.Errorf("speed %v ss=%v: %w", t.Speed, t.SSConnect, pkg.ErrBadImage)
	}
	if err != nil {
		Invalidate(buf)
		lvl := pkg.LogWarn
		if errors.Is(err, pkg.ErrBadSignature) {
			// No table is the normal cold boot case.
			lvl = pkg.LogDebug
		}
		lvl(pkg.ComponentBoot, "no-renum structure rejected", "error", err)
		return State{}, nil, err
	}

	st := State{
		UsbWasOn:  t.UsbOn,
		GpioWasOn: t.LeaveGpioOn && !t.Revision.Less(RevisionGpio),
		Speed:     t.Speed,
		SSConnect: t.SSConnect,
	}
	if !st.UsbWasOn {
		st.Speed = hal.SpeedNotConnected
		st.SSConnect = false
	}
	pkg.LogInfo(pkg.ComponentBoot, "no-renum structure accepted",
		"revision", t.Revision,
		"usb", st.UsbWasOn,
		"gpio", st.GpioWasOn,
		"speed", st.Speed,
		"descriptors", t.Len())
	return st, t, nil
}

func validSpeed(t *Table) bool {
	switch t.Speed {
	case hal.SpeedSuper:
		return t.SSConnect
	case hal.SpeedHigh, hal.SpeedFull:
		return !t.SSConnect
	}
	return false
}

// Invalidate overwrites the signature word of buf with InvalidSignature.
func Invalidate(buf []byte) {
	if len(buf) >= 4 {
		binary.LittleEndian.PutUint32(buf, InvalidSignature)
	}
}
