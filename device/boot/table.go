package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/fx3usb/device/hal"
	"github.com/ardnew/fx3usb/pkg"
)

// DescType selects a slot of the descriptor table, following the FX3
// SetDesc numbering.
type DescType uint8

// Descriptor slots.
const (
	DescSSDevice DescType = iota
	DescHSDevice
	DescDeviceQualifier
	DescFSConfig
	DescHSConfig
	DescString
	DescSSConfig
	DescSSBOS
	DescOTG

	NumDescTypes
)

var descTypeNames = [NumDescTypes]string{
	"SSDevice", "HSDevice", "DeviceQualifier", "FSConfig", "HSConfig",
	"String", "SSConfig", "SSBOS", "OTG",
}

// String returns the slot name.
func (t DescType) String() string {
	if t < NumDescTypes {
		return descTypeNames[t]
	}
	return fmt.Sprintf("DescType(%d)", uint8(t))
}

// USB bDescriptorType values carried by each slot.
var descWireType = [NumDescTypes]uint8{
	DescSSDevice:        0x01,
	DescHSDevice:        0x01,
	DescDeviceQualifier: 0x06,
	DescFSConfig:        0x02,
	DescHSConfig:        0x02,
	DescString:          0x03,
	DescSSConfig:        0x02,
	DescSSBOS:           0x0F,
	DescOTG:             0x09,
}

// WireType returns the bDescriptorType the slot must hold.
func (t DescType) WireType() uint8 {
	if t < NumDescTypes {
		return descWireType[t]
	}
	return 0
}

// Entry is one registered descriptor.
type Entry struct {
	Type  DescType
	Index uint8
	Data  []byte
}

// Revision is the descriptor table layout revision.
type Revision struct {
	Major, Minor, Patch uint8
}

// Table layout revisions.
var (
	// RevisionCurrent is written by Marshal.
	RevisionCurrent = Revision{1, 2, 1}
	// RevisionMinimum is the oldest layout CheckNoRenumStructure trusts.
	RevisionMinimum = Revision{1, 2, 0}
	// RevisionGpio is the first layout carrying the leave-GPIO-on flag.
	RevisionGpio = Revision{1, 2, 1}
)

func (r Revision) word() uint32 {
	return uint32(r.Major)<<16 | uint32(r.Minor)<<8 | uint32(r.Patch)
}

func revisionFromWord(w uint32) Revision {
	return Revision{uint8(w >> 16), uint8(w >> 8), uint8(w)}
}

// Less reports whether r is older than o.
func (r Revision) Less(o Revision) bool { return r.word() < o.word() }

// String formats r as major.minor.patch.
func (r Revision) String() string {
	return fmt.Sprintf("%d.%d.%d", r.Major, r.Minor, r.Patch)
}

// Signature values of the first table word.
const (
	Signature        uint32 = 0x4E524E55 // "UNRN"
	InvalidSignature uint32 = 0
)

const (
	flagUsbOn     = 1 << 0
	flagSSConnect = 1 << 1
	flagGpioOn    = 1 << 2
	speedShift    = 8

	headerWords = 4
)

// Table is the warm-boot "no re-enumeration" descriptor table: the USB
// descriptors and connection state a firmware image hands to the next one
// so the host never sees a disconnect.
type Table struct {
	Revision    Revision
	UsbOn       bool
	SSConnect   bool
	LeaveGpioOn bool
	Speed       hal.Speed

	entries []Entry
}

// NewTable returns an empty table at the current revision.
func NewTable() *Table {
	return &Table{Revision: RevisionCurrent}
}

// SetDesc registers data in slot t at index. Registering the same slot and
// index again replaces the data in place.
func (t *Table) SetDesc(typ DescType, index uint8, data []byte) error {
	if typ >= NumDescTypes {
		return fmt.Errorf("descriptor type %d: %w", typ, pkg.ErrBadArgument)
	}
	if data == nil {
		return pkg.ErrNullPointer
	}
	if len(data) < 2 || int(data[0]) > len(data) {
		return fmt.Errorf("%v[%d]: %w", typ, index, pkg.ErrDescriptorTooShort)
	}
	if data[1] != typ.WireType() {
		return fmt.Errorf("%v[%d] type 0x%02X: %w", typ, index, data[1], pkg.ErrDescriptorTypeMismatch)
	}
	if typ != DescString && index != 0 {
		return fmt.Errorf("%v index %d: %w", typ, index, pkg.ErrBadArgument)
	}
	buf := append([]byte(nil), data...)
	for i := range t.entries {
		if t.entries[i].Type == typ && t.entries[i].Index == index {
			t.entries[i].Data = buf
			return nil
		}
	}
	t.entries = append(t.entries, Entry{Type: typ, Index: index, Data: buf})
	return nil
}

// Len returns the number of registered descriptors.
func (t *Table) Len() int { return len(t.entries) }

// Entries returns the registered descriptors in registration order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// LoadDescs replays every registered descriptor through set, in
// registration order, stopping at the first error.
func (t *Table) LoadDescs(set func(typ DescType, index uint8, data []byte) error) error {
	if set == nil {
		return pkg.ErrNullPointer
	}
	for _, e := range t.entries {
		if err := set(e.Type, e.Index, e.Data); err != nil {
			return fmt.Errorf("load %v[%d]: %w", e.Type, e.Index, err)
		}
	}
	return nil
}

// ComputeChecksum returns the 32-bit wrapping sum of words. The sum of no
// words is 0.
func ComputeChecksum(words []uint32) uint32 {
	var sum uint32
	for _, w := range words {
		sum += w
	}
	return sum
}

// Marshal encodes the table as little-endian words: signature, revision,
// flags, entry count, the entries (header word then data padded to a word)
// and a trailing checksum over everything before it.
func (t *Table) Marshal() []byte {
	words := []uint32{Signature, t.Revision.word(), t.flags(), uint32(len(t.entries))}
	for _, e := range t.entries {
		words = append(words, uint32(e.Type)|uint32(e.Index)<<8|uint32(len(e.Data))<<16)
		words = append(words, bytesToWords(e.Data)...)
	}
	words = append(words, ComputeChecksum(words))

	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

func (t *Table) flags() uint32 {
	var f uint32
	if t.UsbOn {
		f |= flagUsbOn
	}
	if t.SSConnect {
		f |= flagSSConnect
	}
	if t.LeaveGpioOn {
		f |= flagGpioOn
	}
	return f | uint32(t.Speed)<<speedShift
}

// Unmarshal decodes a table produced by Marshal. It checks signature and
// checksum but not the revision.
func Unmarshal(b []byte) (*Table, error) {
	if len(b)%4 != 0 || len(b) < 4*(headerWords+1) {
		return nil, fmt.Errorf("table length %d: %w", len(b), pkg.ErrBufferTooSmall)
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	if words[0] != Signature {
		return nil, fmt.Errorf("signature 0x%08X: %w", words[0], pkg.ErrBadSignature)
	}
	body := words[:len(words)-1]
	if sum := ComputeChecksum(body); sum != words[len(words)-1] {
		return nil, fmt.Errorf("checksum 0x%08X, stored 0x%08X: %w", sum, words[len(words)-1], pkg.ErrBadChecksum)
	}

	f := words[2]
	t := &Table{
		Revision:    revisionFromWord(words[1]),
		UsbOn:       f&flagUsbOn != 0,
		SSConnect:   f&flagSSConnect != 0,
		LeaveGpioOn: f&flagGpioOn != 0,
		Speed:       hal.Speed(f >> speedShift & 0xFF),
	}
	n := int(words[3])
	pos := headerWords
	for i := 0; i < n; i++ {
		if pos >= len(body) {
			return nil, fmt.Errorf("entry %d: %w", i, pkg.ErrBufferTooSmall)
		}
		h := body[pos]
		pos++
		size := int(h >> 16)
		nw := (size + 3) / 4
		if pos+nw > len(body) {
			return nil, fmt.Errorf("entry %d size %d: %w", i, size, pkg.ErrBufferTooSmall)
		}
		data := wordsToBytes(body[pos:pos+nw], size)
		pos += nw
		if err := t.SetDesc(DescType(h), uint8(h>>8), data); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return t, nil
}

func bytesToWords(b []byte) []uint32 {
	words := make([]uint32, (len(b)+3)/4)
	for i, c := range b {
		words[i/4] |= uint32(c) << (8 * (i % 4))
	}
	return words
}

func wordsToBytes(words []uint32, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(words[i/4] >> (8 * (i % 4)))
	}
	return b
}
