// Package boot implements the warm-boot hand-off between FX3 firmware
// images and the FX3 boot image format.
//
// A running image that wants to jump to a new one without the host seeing
// a re-enumeration records its descriptors and connection state in a
// [Table] and leaves the marshalled table in memory. The next image calls
// [CheckNoRenumStructure] at startup: a table with a valid signature,
// revision and checksum yields a [State] the link core adopts (see
// link.StartWarm); anything else is invalidated and startup continues as a
// cold boot.
//
// [Image] builds and parses the "CY" boot image layout, and [FromHex]
// imports Intel HEX firmware into it.
package boot
