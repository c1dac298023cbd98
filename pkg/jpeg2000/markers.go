// Package jpeg2000 implements the JPIP-facing view of a JPEG 2000
// codestream: classification of the coding format, decomposition into data
// bins (ITU-T T.800 | ISO/IEC 15444-1 marker structure, ISO/IEC 15444-9 bin
// classes), and the transcoder boundary behind which the entropy codec lives.
package jpeg2000

// JPEG 2000 marker codes (ITU-T T.800 Table A.1). Markers are two bytes,
// 0xFF followed by the code byte.
const (
	// Delimiting markers. These carry no length field.
	MarkerSOC = 0xFF4F // Start of codestream
	MarkerSOT = 0xFF90 // Start of tile-part
	MarkerSOD = 0xFF93 // Start of data
	MarkerEOC = 0xFFD9 // End of codestream

	// Fixed information markers
	MarkerSIZ = 0xFF51 // Image and tile size
	MarkerCAP = 0xFF50 // Extended capabilities (Part 15 signals HTJ2K here)

	// Functional markers
	MarkerCOD = 0xFF52 // Coding style default
	MarkerQCD = 0xFF5C // Quantization default
	MarkerCOM = 0xFF64 // Comment
)

// markerHasLength reports whether a marker segment carries the two-byte
// big-endian length field that follows the marker code. The length includes
// the length field itself.
func markerHasLength(marker uint16) bool {
	switch marker {
	case MarkerSOC, MarkerSOD, MarkerEOC:
		return false
	}
	return true
}

// jp2Signature is the fixed contents of the JP2 signature box.
var jp2Signature = []byte{0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50, 0x20, 0x20, 0x0D, 0x0A, 0x87, 0x0A}

// boxTypeCodestream is the JP2 box holding a contiguous codestream.
const boxTypeCodestream = "jp2c"
