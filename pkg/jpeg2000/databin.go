package jpeg2000

import "fmt"

// BinClass identifies the kind of a JPIP data bin.
type BinClass uint8

const (
	BinClassMainHeader BinClass = iota
	BinClassTileHeader
	BinClassPrecinct
	BinClassTile
	BinClassExtendedPrecinct
	BinClassMetadata
)

func (c BinClass) String() string {
	switch c {
	case BinClassMainHeader:
		return "main-header"
	case BinClassTileHeader:
		return "tile-header"
	case BinClassPrecinct:
		return "precinct"
	case BinClassTile:
		return "tile"
	case BinClassExtendedPrecinct:
		return "extended-precinct"
	case BinClassMetadata:
		return "metadata"
	}
	return fmt.Sprintf("bin-class(%d)", uint8(c))
}

// DataBin is the unit of JPIP delivery. Class and ID together identify a bin
// within a target. A bin may arrive in several fragments; the concatenation
// of fragments, in order, reconstructs the authoritative bytes.
type DataBin struct {
	Class        BinClass
	ID           uint32
	Data         []byte
	Complete     bool
	QualityLayer int // -1 when not layer-scoped
	TileIndex    int // -1 when not tile-scoped
}

// Key returns the cache key for the bin, "<class>:<id>".
func (b *DataBin) Key() string {
	return BinKey(b.Class, b.ID)
}

// BinKey builds the canonical "<class>:<id>" key.
func BinKey(class BinClass, id uint32) string {
	return fmt.Sprintf("%d:%d", uint8(class), id)
}

// PrecinctID addresses one precinct within a target.
type PrecinctID struct {
	Tile       int
	Component  int
	Resolution int
	PrecinctX  int
	PrecinctY  int
}

func (p PrecinctID) String() string {
	return fmt.Sprintf("t%d.c%d.r%d.p%d_%d", p.Tile, p.Component, p.Resolution, p.PrecinctX, p.PrecinctY)
}
