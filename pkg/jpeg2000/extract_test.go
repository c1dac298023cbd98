package jpeg2000

import (
	"bytes"
	"errors"
	"testing"
)

func TestExtractDataBinsSplitsHeaderAndTiles(t *testing.T) {
	codestream := []byte{
		0xFF, 0x4F, // SOC
		0xFF, 0x52, 0x00, 0x04, 0x00, 0x00, // COD segment
		0xFF, 0x90, 0x00, 0x0A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x20, 0x00, 0x00, 0x01, // SOT
		0xFF, 0x93, // SOD
		0xDE, 0xAD, 0xBE, 0xEF, // tile data
		0xFF, 0xD9, // EOC
	}

	bins, err := ExtractDataBins(codestream)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if len(bins) != 3 {
		t.Fatalf("Unexpected bin count: %d, Expected: 3", len(bins))
	}

	main := bins[0]
	if main.Class != BinClassMainHeader {
		t.Fatalf("Unexpected class: %s, Expected: main-header", main.Class)
	}
	expectedMain := []byte{0xFF, 0x4F, 0xFF, 0x52, 0x00, 0x04, 0x00, 0x00}
	if !bytes.Equal(main.Data, expectedMain) {
		t.Fatalf("Unexpected main header: % X, Expected: % X", main.Data, expectedMain)
	}

	header := bins[1]
	if header.Class != BinClassTileHeader {
		t.Fatalf("Unexpected class: %s, Expected: tile-header", header.Class)
	}
	if len(header.Data) < 2 || header.Data[0] != 0xFF || header.Data[1] != 0x90 {
		t.Fatalf("Unexpected tile header start: % X, Expected: FF 90 …", header.Data[:2])
	}

	tileBin := bins[2]
	if tileBin.Class != BinClassTile {
		t.Fatalf("Unexpected class: %s, Expected: tile", tileBin.Class)
	}
	expectedTile := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if !bytes.Equal(tileBin.Data, expectedTile) {
		t.Fatalf("Unexpected tile body: % X, Expected: % X", tileBin.Data, expectedTile)
	}
}

func TestExtractDataBinsWithoutTiles(t *testing.T) {
	codestream := []byte{0xFF, 0x4F, 0xFF, 0x52, 0x00, 0x04, 0x00, 0x00, 0xFF, 0xD9}
	bins, err := ExtractDataBins(codestream)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if len(bins) != 1 {
		t.Fatalf("Unexpected bin count: %d, Expected: 1", len(bins))
	}
	if bins[0].Class != BinClassMainHeader {
		t.Fatalf("Unexpected class: %s, Expected: main-header", bins[0].Class)
	}
	if !bytes.Equal(bins[0].Data, codestream) {
		t.Fatalf("Unexpected main header bytes: % X", bins[0].Data)
	}
}

func TestExtractDataBinsRejectsMissingSOC(t *testing.T) {
	_, err := ExtractDataBins([]byte{0x00, 0x01, 0x02, 0x03})
	if !errors.Is(err, ErrNoSOC) {
		t.Fatalf("Unexpected error: %v, Expected: %v", err, ErrNoSOC)
	}
}

func TestClassify(t *testing.T) {
	expectations := []struct {
		name     string
		data     []byte
		format   Format
		ht       bool
		parseErr bool
	}{
		{
			name:   "legacy codestream",
			data:   []byte{0xFF, 0x4F, 0xFF, 0x52, 0x00, 0x04, 0x00, 0x00, 0xFF, 0xD9},
			format: FormatLegacy,
		},
		{
			name:   "high throughput codestream",
			data:   []byte{0xFF, 0x4F, 0xFF, 0x50, 0x00, 0x06, 0x00, 0x00, 0x00, 0x02, 0xFF, 0xD9},
			format: FormatHighThroughput,
			ht:     true,
		},
		{
			name:     "no SOC",
			data:     []byte{0x00, 0x00, 0x00, 0x00},
			parseErr: true,
		},
		{
			name:     "empty",
			data:     nil,
			parseErr: true,
		},
	}

	for _, exp := range expectations {
		exp := exp
		t.Run(exp.name, func(t *testing.T) {
			c, err := Classify(exp.data)
			if exp.parseErr {
				if !errors.Is(err, ErrNoSOC) {
					t.Fatalf("Unexpected error: %v, Expected: %v", err, ErrNoSOC)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %s", err)
			}
			if c.Format != exp.format {
				t.Fatalf("Unexpected format: %s, Expected: %s", c.Format, exp.format)
			}
			if c.IsHighThroughput != exp.ht {
				t.Fatalf("Unexpected high-throughput flag: %v", c.IsHighThroughput)
			}
		})
	}
}

func TestClassifyJP2Wrapper(t *testing.T) {
	var file []byte
	file = append(file, jp2Signature...)
	// ftyp box
	file = append(file, 0x00, 0x00, 0x00, 0x0C)
	file = append(file, []byte("ftyp")...)
	file = append(file, 0x6A, 0x70, 0x32, 0x20)
	// jp2c box with a minimal codestream
	codestream := []byte{0xFF, 0x4F, 0xFF, 0xD9}
	file = append(file, 0x00, 0x00, 0x00, byte(8+len(codestream)))
	file = append(file, []byte("jp2c")...)
	wrapperLen := len(file)
	file = append(file, codestream...)

	c, err := Classify(file)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if c.CodestreamOffset != wrapperLen {
		t.Fatalf("Unexpected codestream offset: %d, Expected: %d", c.CodestreamOffset, wrapperLen)
	}

	bins, err := ExtractDataBins(file)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if bins[0].Class != BinClassMetadata {
		t.Fatalf("Unexpected first bin class: %s, Expected: metadata", bins[0].Class)
	}
	if !bytes.Equal(bins[0].Data, file[:wrapperLen]) {
		t.Fatalf("Unexpected metadata bytes: % X", bins[0].Data)
	}
}
