package jpeg2000

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Format is the block-coding mode of a codestream.
type Format uint8

const (
	FormatLegacy Format = iota
	FormatHighThroughput
)

func (f Format) String() string {
	if f == FormatHighThroughput {
		return "htj2k"
	}
	return "j2k"
}

// ErrNoSOC reports that no start-of-codestream marker was found.
var ErrNoSOC = errors.New("jpeg2000: no SOC marker")

// capScanLimit bounds how far into the main header Classify scans for a CAP
// marker before concluding the stream is legacy-coded.
const capScanLimit = 1024

// Classification describes what Classify found.
type Classification struct {
	Format          Format
	IsHighThroughput bool
	// CodestreamOffset is where the raw codestream begins: 0 for a bare
	// codestream, the jp2c payload offset for a JP2 file.
	CodestreamOffset int
}

// Classify inspects data and determines the coding format. A JP2 file is
// walked box by box until the contiguous-codestream box is found; a raw
// stream must open with SOC. High-throughput streams are recognized by a CAP
// marker inside a bounded prefix of the main header.
func Classify(data []byte) (Classification, error) {
	offset := 0
	if bytes.HasPrefix(data, jp2Signature) {
		off, err := findCodestreamBox(data)
		if err != nil {
			return Classification{}, err
		}
		offset = off
	}

	cs := data[offset:]
	if len(cs) < 2 || binary.BigEndian.Uint16(cs) != MarkerSOC {
		return Classification{}, ErrNoSOC
	}

	c := Classification{Format: FormatLegacy, CodestreamOffset: offset}
	limit := len(cs)
	if limit > capScanLimit {
		limit = capScanLimit
	}
	for i := 2; i+1 < limit; i++ {
		if cs[i] != 0xFF {
			continue
		}
		marker := binary.BigEndian.Uint16(cs[i:])
		if marker == MarkerCAP {
			c.Format = FormatHighThroughput
			c.IsHighThroughput = true
			break
		}
		if marker == MarkerSOT || marker == MarkerSOD {
			break
		}
	}
	return c, nil
}

// findCodestreamBox walks the JP2 box structure and returns the offset of
// the first jp2c box payload. Box layout: u32 big-endian length, 4-byte
// ASCII type; a length of 0 means the box extends to end of file, a length
// of 1 means an 8-byte extended length follows the type.
func findCodestreamBox(data []byte) (int, error) {
	pos := 0
	for pos+8 <= len(data) {
		boxLen := int(binary.BigEndian.Uint32(data[pos:]))
		boxType := string(data[pos+4 : pos+8])
		headerLen := 8
		switch boxLen {
		case 0:
			boxLen = len(data) - pos
		case 1:
			if pos+16 > len(data) {
				return 0, ErrNoSOC
			}
			boxLen = int(binary.BigEndian.Uint64(data[pos+8:]))
			headerLen = 16
		}
		if boxType == boxTypeCodestream {
			return pos + headerLen, nil
		}
		if boxLen < headerLen {
			return 0, ErrNoSOC
		}
		pos += boxLen
	}
	return 0, ErrNoSOC
}
