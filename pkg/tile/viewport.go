// Package tile decomposes images into tiles per resolution level and ranks
// them against the client viewport, in two or three dimensions.
package tile

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidViewport reports a degenerate viewport.
var ErrInvalidViewport = errors.New("tile: invalid viewport")

// Viewport is the client's 2D view at a resolution level, in full-resolution
// pixel coordinates.
type Viewport struct {
	X               int
	Y               int
	Width           int
	Height          int
	ResolutionLevel int
}

// Validate requires positive dimensions.
func (v Viewport) Validate() error {
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidViewport, v.Width, v.Height)
	}
	return nil
}

// Center returns the viewport midpoint.
func (v Viewport) Center() (float64, float64) {
	return float64(v.X) + float64(v.Width)/2, float64(v.Y) + float64(v.Height)/2
}

// Intersects reports overlap with the rectangle (x, y, w, h).
func (v Viewport) Intersects(x, y, w, h int) bool {
	return v.X < x+w && x < v.X+v.Width && v.Y < y+h && y < v.Y+v.Height
}

// IntersectionArea returns the overlap area with the rectangle.
func (v Viewport) IntersectionArea(x, y, w, h int) int {
	ix := max(0, min(v.X+v.Width, x+w)-max(v.X, x))
	iy := max(0, min(v.Y+v.Height, y+h)-max(v.Y, y))
	return ix * iy
}

// halfDiagonal is half the viewport's diagonal, the normalization radius for
// center-distance priorities.
func (v Viewport) halfDiagonal() float64 {
	return math.Hypot(float64(v.Width), float64(v.Height)) / 2
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
