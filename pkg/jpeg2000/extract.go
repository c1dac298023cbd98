package jpeg2000

import (
	"encoding/binary"
)

// sotSegmentMinLen is the Lsot value of a well-formed start-of-tile segment:
// Lsot(2) Isot(2) Psot(4) TPsot(1) TNsot(1).
const sotSegmentMinLen = 10

// ExtractDataBins splits a codestream (bare or JP2-wrapped) into JPIP data
// bins. The main header runs from SOC up to the first SOT. Each tile part
// yields a tile-header bin (SOT through SOD) and a tile bin (the entropy
// data); the tile data ends at SOT+Psot when the declared length is usable,
// otherwise at the next SOT or EOC. A JP2 wrapper becomes a metadata bin.
//
// Scanning for the next marker inside entropy-coded data is conservative: a
// SOT is only honored as a boundary when a plausible segment length follows.
// Full escape-rule awareness belongs to the codec behind Transcoder.
func ExtractDataBins(data []byte) ([]*DataBin, error) {
	c, err := Classify(data)
	if err != nil {
		return nil, err
	}

	var bins []*DataBin
	if c.CodestreamOffset > 0 {
		bins = append(bins, &DataBin{
			Class:        BinClassMetadata,
			ID:           0,
			Data:         clone(data[:c.CodestreamOffset]),
			Complete:     true,
			QualityLayer: -1,
			TileIndex:    -1,
		})
	}
	cs := data[c.CodestreamOffset:]

	firstSOT := scanMarker(cs, 2, MarkerSOT)
	if firstSOT < 0 {
		bins = append(bins, &DataBin{
			Class:        BinClassMainHeader,
			ID:           0,
			Data:         clone(cs),
			Complete:     true,
			QualityLayer: -1,
			TileIndex:    -1,
		})
		return bins, nil
	}

	bins = append(bins, &DataBin{
		Class:        BinClassMainHeader,
		ID:           0,
		Data:         clone(cs[:firstSOT]),
		Complete:     true,
		QualityLayer: -1,
		TileIndex:    -1,
	})

	pos := firstSOT
	part := 0
	for pos >= 0 && pos+2 <= len(cs) && binary.BigEndian.Uint16(cs[pos:]) == MarkerSOT {
		tileIndex := part
		tilePartLen := 0
		if pos+10 <= len(cs) {
			lsot := int(binary.BigEndian.Uint16(cs[pos+2:]))
			if lsot >= sotSegmentMinLen {
				tileIndex = int(binary.BigEndian.Uint16(cs[pos+4:]))
				tilePartLen = int(binary.BigEndian.Uint32(cs[pos+6:]))
			}
		}

		sod := scanMarker(cs, pos+2, MarkerSOD)
		if sod < 0 {
			// Truncated tile part: everything left is header.
			bins = append(bins, &DataBin{
				Class:        BinClassTileHeader,
				ID:           uint32(tileIndex),
				Data:         clone(cs[pos:]),
				Complete:     false,
				QualityLayer: -1,
				TileIndex:    tileIndex,
			})
			return bins, nil
		}
		headerEnd := sod + 2
		bins = append(bins, &DataBin{
			Class:        BinClassTileHeader,
			ID:           uint32(tileIndex),
			Data:         clone(cs[pos:headerEnd]),
			Complete:     true,
			QualityLayer: -1,
			TileIndex:    tileIndex,
		})

		dataEnd := -1
		if tilePartLen > 0 && pos+tilePartLen <= len(cs) && pos+tilePartLen > headerEnd {
			dataEnd = pos + tilePartLen
		}
		if dataEnd < 0 {
			dataEnd = scanTileEnd(cs, headerEnd)
		}
		bins = append(bins, &DataBin{
			Class:        BinClassTile,
			ID:           uint32(tileIndex),
			Data:         clone(cs[headerEnd:dataEnd]),
			Complete:     true,
			QualityLayer: -1,
			TileIndex:    tileIndex,
		})

		pos = scanMarker(cs, dataEnd, MarkerSOT)
		part++
	}
	return bins, nil
}

// scanMarker finds the next occurrence of marker at or after from, walking
// marker segments where lengths are available. Returns -1 when absent.
func scanMarker(cs []byte, from int, marker uint16) int {
	for i := from; i+2 <= len(cs); {
		m := binary.BigEndian.Uint16(cs[i:])
		if m == marker {
			return i
		}
		if cs[i] == 0xFF && m >= 0xFF01 && markerHasLength(m) && i+4 <= len(cs) {
			segLen := int(binary.BigEndian.Uint16(cs[i+2:]))
			if segLen >= 2 {
				i += 2 + segLen
				continue
			}
		}
		i++
	}
	return -1
}

// scanTileEnd finds where entropy-coded tile data ends: the next SOT that is
// followed by a plausible segment length, or EOC, or end of stream.
func scanTileEnd(cs []byte, from int) int {
	for i := from; i+2 <= len(cs); i++ {
		if cs[i] != 0xFF {
			continue
		}
		m := binary.BigEndian.Uint16(cs[i:])
		if m == MarkerEOC {
			return i
		}
		if m == MarkerSOT {
			if i+4 > len(cs) {
				continue
			}
			if int(binary.BigEndian.Uint16(cs[i+2:])) >= sotSegmentMinLen {
				return i
			}
		}
	}
	return len(cs)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
