package main

import (
	"os"

	"github.com/google/gousb"
	"github.com/google/gousb/usbid"

	"github.com/ardnew/fx3usb/pkg"
)

// idPaths lists the system copies of the USB ID database, which are
// usually newer than the one compiled into gousb.
var idPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// loadVendors returns the vendor table from the first readable file in
// paths, or the built-in table when none parses.
func loadVendors(paths []string) map[gousb.ID]*usbid.Vendor {
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		vendors, _, err := usbid.ParseIDs(f)
		f.Close()
		if err != nil {
			pkg.LogDebug(component, "skipping usb id database", "file", path, "error", err)
			continue
		}
		pkg.LogDebug(component, "usb id database", "file", path, "vendors", len(vendors))
		return vendors
	}
	return usbid.Vendors
}

// names returns the vendor and product names of vid:pid. Unknown IDs give
// empty strings.
func names(vendors map[gousb.ID]*usbid.Vendor, vid, pid gousb.ID) (vendor, product string) {
	v, ok := vendors[vid]
	if !ok {
		return "", ""
	}
	if p, ok := v.Product[pid]; ok {
		product = p.Name
	}
	return v.Name, product
}
