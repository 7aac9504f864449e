package boot

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/marcinbor85/gohex"

	"github.com/ardnew/fx3usb/pkg"
)

// FX3 boot image header values.
const (
	ImageMagic0     = 'C'
	ImageMagic1     = 'Y'
	ImageTypeNormal = 0xB0

	// ImageControlDefault selects executable code and the default SPI /
	// I2C boot clock.
	ImageControlDefault = 0x1C

	imageHeaderSize = 4
)

// Section is a block of image data loaded at Addr. Data is padded to a
// whole number of 32-bit words when the image is built.
type Section struct {
	Addr uint32
	Data []byte
}

// Image is an FX3 boot image: the header, load sections, entry point and a
// checksum over the section data words.
type Image struct {
	Control  byte
	Type     byte
	Sections []Section
	Entry    uint32
}

// NewImage returns an empty executable image with entry point entry.
func NewImage(entry uint32) *Image {
	return &Image{Control: ImageControlDefault, Type: ImageTypeNormal, Entry: entry}
}

// AddSection appends data to be loaded at addr. addr must be word aligned.
func (img *Image) AddSection(addr uint32, data []byte) error {
	if addr%4 != 0 {
		return fmt.Errorf("section address 0x%08X: %w", addr, pkg.ErrBadArgument)
	}
	if len(data) == 0 {
		return fmt.Errorf("section at 0x%08X: %w", addr, pkg.ErrBadArgument)
	}
	img.Sections = append(img.Sections, Section{Addr: addr, Data: append([]byte(nil), data...)})
	return nil
}

// Checksum returns the sum of every section data word.
func (img *Image) Checksum() uint32 {
	var sum uint32
	for _, s := range img.Sections {
		sum += ComputeChecksum(bytesToWords(s.Data))
	}
	return sum
}

// MarshalBinary encodes the image. Each section is its length in words,
// its address and its data; a zero length section carries the entry point
// and is followed by the checksum.
func (img *Image) MarshalBinary() ([]byte, error) {
	if img.Entry%4 != 0 {
		return nil, fmt.Errorf("entry 0x%08X: %w", img.Entry, pkg.ErrBadArgument)
	}
	out := []byte{ImageMagic0, ImageMagic1, img.Control, img.Type}
	put := func(w uint32) { out = binary.LittleEndian.AppendUint32(out, w) }
	for _, s := range img.Sections {
		words := bytesToWords(s.Data)
		put(uint32(len(words)))
		put(s.Addr)
		for _, w := range words {
			put(w)
		}
	}
	put(0)
	put(img.Entry)
	put(img.Checksum())
	return out, nil
}

// UnmarshalBinary decodes an image and verifies its checksum.
func (img *Image) UnmarshalBinary(b []byte) error {
	if len(b) < imageHeaderSize+12 {
		return fmt.Errorf("image length %d: %w", len(b), pkg.ErrBadImage)
	}
	if b[0] != ImageMagic0 || b[1] != ImageMagic1 {
		return fmt.Errorf("magic %q: %w", b[:2], pkg.ErrBadImage)
	}
	if (len(b)-imageHeaderSize)%4 != 0 {
		return fmt.Errorf("image length %d not word aligned: %w", len(b), pkg.ErrBadImage)
	}
	out := Image{Control: b[2], Type: b[3]}

	pos := imageHeaderSize
	word := func() (uint32, bool) {
		if pos+4 > len(b) {
			return 0, false
		}
		w := binary.LittleEndian.Uint32(b[pos:])
		pos += 4
		return w, true
	}
	for {
		n, ok1 := word()
		addr, ok2 := word()
		if !ok1 || !ok2 {
			return fmt.Errorf("truncated section header at %d: %w", pos, pkg.ErrBadImage)
		}
		if n == 0 {
			out.Entry = addr
			break
		}
		if pos+4*int(n) > len(b) {
			return fmt.Errorf("section at 0x%08X: %d words past end: %w", addr, n, pkg.ErrBadImage)
		}
		data := append([]byte(nil), b[pos:pos+4*int(n)]...)
		pos += 4 * int(n)
		out.Sections = append(out.Sections, Section{Addr: addr, Data: data})
	}
	stored, ok := word()
	if !ok {
		return fmt.Errorf("missing checksum: %w", pkg.ErrBadImage)
	}
	if sum := out.Checksum(); sum != stored {
		return fmt.Errorf("image checksum 0x%08X, stored 0x%08X: %w", sum, stored, pkg.ErrBadChecksum)
	}
	*img = out
	return nil
}

// Size returns the number of data bytes loaded by the image.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Sections {
		n += len(s.Data)
	}
	return n
}

// FromHex builds an image from Intel HEX. The start address record, if
// present, becomes the entry point; otherwise entry is used. Segments
// that do not start on a word boundary are widened down to one with zero
// fill.
func FromHex(r io.Reader, entry uint32) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("parse hex: %w", err)
	}
	if adr, ok := mem.GetStartAddress(); ok {
		entry = adr
	}
	img := NewImage(entry &^ 3)
	segs := mem.GetDataSegments()
	sort.Slice(segs, func(i, j int) bool { return segs[i].Address < segs[j].Address })
	for _, seg := range segs {
		addr := seg.Address
		data := seg.Data
		if pad := addr % 4; pad != 0 {
			data = append(make([]byte, pad), data...)
			addr -= pad
		}
		if err := img.AddSection(addr, data); err != nil {
			return nil, err
		}
	}
	if len(img.Sections) == 0 {
		return nil, fmt.Errorf("hex has no data: %w", pkg.ErrBadImage)
	}
	pkg.LogDebug(pkg.ComponentBoot, "image from hex",
		"sections", len(img.Sections),
		"bytes", img.Size(),
		"entry", fmt.Sprintf("0x%08X", img.Entry))
	return img, nil
}

// WriteHex writes the image sections as Intel HEX with the entry point as
// the start address.
func (img *Image) WriteHex(w io.Writer) error {
	mem := gohex.NewMemory()
	mem.SetStartAddress(img.Entry)
	for _, s := range img.Sections {
		if err := mem.AddBinary(s.Addr, s.Data); err != nil {
			return fmt.Errorf("section 0x%08X: %w", s.Addr, err)
		}
	}
	return mem.DumpIntelHex(w, 16)
}
