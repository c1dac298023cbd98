// Package request models the JPIP view-window request and its
// transport-neutral query-string binding.
package request

import (
	"errors"
	"fmt"
)

// ErrInvalidParameter reports malformed or out-of-range request fields.
var ErrInvalidParameter = errors.New("request: invalid parameter")

// Size is a non-negative (width, height) pair.
type Size struct {
	Width  int
	Height int
}

// Point is a non-negative (x, y) offset.
type Point struct {
	X int
	Y int
}

// Region is an offset plus size inside the full image.
type Region struct {
	Offset Point
	Size   Size
}

// ViewWindow is the spatial, resolution, quality, and component slice of an
// image the client currently cares about. Zero values mean "not requested";
// ResolutionLevel uses -1 for "not requested" since level 0 is meaningful.
type ViewWindow struct {
	Target          string
	FullSize        *Size
	Region          *Region
	Layers          int
	ResolutionLevel int
	Components      []int
	MetadataOnly    bool
	// Preference is the coding-mode preference: "htj2k", "j2k", or empty.
	Preference string
	ChannelID  string
	NewChannel bool
	// MaxLength caps the response byte count when positive (the "len" key).
	MaxLength int
}

// New returns a view window with unset optionals.
func New(target string) *ViewWindow {
	return &ViewWindow{Target: target, ResolutionLevel: -1}
}

// Validate checks the field constraints: all integers non-negative, a
// region (when present) non-empty, and a target for non-channel requests.
func (w *ViewWindow) Validate() error {
	if w.Target == "" && !w.NewChannel && w.ChannelID == "" {
		return fmt.Errorf("%w: missing target", ErrInvalidParameter)
	}
	if w.Layers < 0 {
		return fmt.Errorf("%w: negative layer count", ErrInvalidParameter)
	}
	if w.ResolutionLevel < -1 {
		return fmt.Errorf("%w: negative resolution level", ErrInvalidParameter)
	}
	if w.MaxLength < 0 {
		return fmt.Errorf("%w: negative length cap", ErrInvalidParameter)
	}
	if w.FullSize != nil && (w.FullSize.Width < 0 || w.FullSize.Height < 0) {
		return fmt.Errorf("%w: negative full size", ErrInvalidParameter)
	}
	if w.Region != nil {
		if w.Region.Offset.X < 0 || w.Region.Offset.Y < 0 {
			return fmt.Errorf("%w: negative region offset", ErrInvalidParameter)
		}
		if w.Region.Size.Width <= 0 || w.Region.Size.Height <= 0 {
			return fmt.Errorf("%w: empty region", ErrInvalidParameter)
		}
	}
	for _, c := range w.Components {
		if c < 0 {
			return fmt.Errorf("%w: negative component index", ErrInvalidParameter)
		}
	}
	return nil
}

// Area returns the requested region area, or 0 when no region is set.
func (w *ViewWindow) Area() int {
	if w.Region == nil {
		return 0
	}
	return w.Region.Size.Width * w.Region.Size.Height
}

// Clone deep-copies the window.
func (w *ViewWindow) Clone() *ViewWindow {
	out := *w
	if w.FullSize != nil {
		fs := *w.FullSize
		out.FullSize = &fs
	}
	if w.Region != nil {
		r := *w.Region
		out.Region = &r
	}
	if w.Components != nil {
		out.Components = append([]int(nil), w.Components...)
	}
	return &out
}
