// Command fx3img builds and checks FX3 boot images.
//
// Usage:
//
//	fx3img [options] FIRMWARE.hex [IMAGE.img]
//	fx3img -verify IMAGE.img
//	fx3img -hex IMAGE.img [FIRMWARE.hex]
//
// The first form converts Intel HEX firmware into a boot image. The start
// address record of the HEX file becomes the entry point; -entry supplies
// one when the file has none. -verify parses an image, checks its checksum
// and lists its sections. -hex converts an image back to Intel HEX.
//
// Options:
//
//	-entry ADDR  Entry point when the HEX file has no start address
//	-verify      Verify an image instead of building one
//	-hex         Convert an image to Intel HEX
//	-v           Enable verbose (debug) logging
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/fx3usb/device/boot"
	"github.com/ardnew/fx3usb/pkg"
)

// component identifies this executable for structured logging.
const component = pkg.Component("fx3img")

func main() {
	entry := flag.String("entry", "0x40003000", "entry point when the hex file has no start address")
	verify := flag.Bool("verify", false, "verify an image instead of building one")
	toHex := flag.Bool("hex", false, "convert an image to intel hex")
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr,
			"Usage:\n  %[1]s [OPTIONS] FIRMWARE.hex [IMAGE.img]\n  %[1]s -verify IMAGE.img\n  %[1]s -hex IMAGE.img [FIRMWARE.hex]\nOptions:\n",
			filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 || (*verify && flag.NArg() != 1) {
		flag.Usage()
		os.Exit(1)
	}
	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}

	in := flag.Arg(0)
	var err error
	switch {
	case *verify:
		err = verifyFile(os.Stdout, in)
	case *toHex:
		err = imageToHex(in, outPath(in, flag.Arg(1), ".hex"))
	default:
		var addr uint64
		addr, err = strconv.ParseUint(*entry, 0, 32)
		if err != nil {
			pkg.LogError(component, "bad entry point", "entry", *entry, "error", err)
			os.Exit(1)
		}
		err = hexToImage(in, outPath(in, flag.Arg(1), ".img"), uint32(addr))
	}
	if err != nil {
		pkg.LogError(component, "failed", "file", in, "error", err)
		os.Exit(1)
	}
}

// outPath returns out, or in with its extension replaced by ext.
func outPath(in, out, ext string) string {
	if out != "" {
		return out
	}
	return strings.TrimSuffix(in, filepath.Ext(in)) + ext
}

// buildImage converts Intel HEX from r into an encoded boot image.
func buildImage(r io.Reader, entry uint32) (*boot.Image, []byte, error) {
	img, err := boot.FromHex(r, entry)
	if err != nil {
		return nil, nil, err
	}
	b, err := img.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return img, b, nil
}

func hexToImage(in, out string, entry uint32) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()
	img, b, err := buildImage(f, entry)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, b, 0o644); err != nil {
		return err
	}
	pkg.LogInfo(component, "image written",
		"file", out,
		"sections", len(img.Sections),
		"bytes", img.Size(),
		"entry", fmt.Sprintf("0x%08X", img.Entry),
		"checksum", fmt.Sprintf("0x%08X", img.Checksum()))
	return nil
}

// describe writes a listing of img.
func describe(w io.Writer, img *boot.Image) {
	fmt.Fprintf(w, "control 0x%02X type 0x%02X entry 0x%08X checksum 0x%08X\n",
		img.Control, img.Type, img.Entry, img.Checksum())
	for _, s := range img.Sections {
		fmt.Fprintf(w, "  0x%08X %6d bytes\n", s.Addr, len(s.Data))
	}
}

func verifyFile(w io.Writer, in string) error {
	b, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	var img boot.Image
	if err := img.UnmarshalBinary(b); err != nil {
		return err
	}
	describe(w, &img)
	return nil
}

func imageToHex(in, out string) error {
	b, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	var img boot.Image
	if err := img.UnmarshalBinary(b); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := img.WriteHex(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return err
	}
	pkg.LogInfo(component, "hex written", "file", out, "sections", len(img.Sections))
	return nil
}
