package sim

import (
	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// Transfer is a one-shot DMA transfer started on the machine.
type Transfer struct {
	Handle hal.Handle
	Dir    hal.Direction
	Socket hal.Socket
	Len    int

	// Data holds the bytes the device produced (IN) or, for OUT, the bytes
	// delivered into the caller's buffer so far.
	Data []byte

	Status  pkg.TransferStatus
	Count   int
	Aborted bool

	buf []byte
}

// OnDMA installs fn to run whenever a transfer starts. fn may complete the
// transfer immediately (with Complete) or leave it pending. Without a hook
// every transfer completes successfully at once.
func (m *Machine) OnDMA(fn func(*Transfer)) {
	m.mu.Lock()
	m.onDMA = fn
	m.mu.Unlock()
}

// StartTransfer implements hal.DMA.
func (m *Machine) StartTransfer(dir hal.Direction, socket hal.Socket, buf []byte) (hal.Handle, error) {
	if buf == nil && dir == hal.DirectionOut {
		return 0, pkg.ErrNullPointer
	}
	m.mu.Lock()
	m.nextHandle++
	t := &Transfer{
		Handle: m.nextHandle,
		Dir:    dir,
		Socket: socket,
		Len:    len(buf),
		Status: pkg.TransferStatusPending,
		buf:    buf,
	}
	if dir == hal.DirectionIn {
		t.Data = append([]byte(nil), buf...)
	}
	m.transfers[t.Handle] = t
	hook := m.onDMA
	m.mu.Unlock()

	pkg.LogDebug(pkg.ComponentDMA, "transfer started", "handle", t.Handle, "dir", dir, "socket", socket, "len", len(buf))
	if hook != nil {
		hook(t)
	} else if dir == hal.DirectionIn {
		m.Complete(t.Handle, nil, pkg.TransferStatusSuccess)
	} else {
		m.Complete(t.Handle, make([]byte, len(buf)), pkg.TransferStatusSuccess)
	}
	return t.Handle, nil
}

// Complete finishes transfer h with status. For OUT transfers data is
// copied into the caller's buffer; for IN transfers the full length counts
// as sent. Completing an already finished transfer is a no-op.
func (m *Machine) Complete(h hal.Handle, data []byte, status pkg.TransferStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[h]
	if !ok || t.Status != pkg.TransferStatusPending {
		return
	}
	if t.Dir == hal.DirectionOut {
		n := copy(t.buf, data)
		t.Data = append([]byte(nil), t.buf[:n]...)
		t.Count = n
	} else {
		t.Count = t.Len
	}
	t.Status = status
}

// PollTransfer implements hal.DMA.
func (m *Machine) PollTransfer(h hal.Handle) (pkg.TransferStatus, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[h]
	if !ok {
		return pkg.TransferStatusFailure, 0
	}
	return t.Status, t.Count
}

// AbortTransfer implements hal.DMA.
func (m *Machine) AbortTransfer(h hal.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[h]
	if !ok {
		return
	}
	t.Aborted = true
	if t.Status == pkg.TransferStatusPending {
		t.Status = pkg.TransferStatusAborted
	}
}

// Transfers returns copies of every transfer started so far, oldest first.
func (m *Machine) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, 0, len(m.transfers))
	for h := hal.Handle(1); h <= m.nextHandle; h++ {
		if t, ok := m.transfers[h]; ok {
			c := *t
			c.buf = nil
			out = append(out, c)
		}
	}
	return out
}
