package tile

import "math"

// Range is an integer half-open interval [Lo, Hi).
type Range struct {
	Lo int
	Hi int
}

// Empty reports an empty interval.
func (r Range) Empty() bool { return r.Hi <= r.Lo }

// Len returns the interval length, zero when empty.
func (r Range) Len() int {
	if r.Empty() {
		return 0
	}
	return r.Hi - r.Lo
}

// Vec3 is a 3-component vector.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) sub(o Vec3) Vec3   { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) length() float64    { return math.Sqrt(v.dot(v)) }

// Frustum is a view frustum for 3D streaming: an origin, a unit direction,
// near/far planes, and a field of view in degrees.
type Frustum struct {
	Origin     Vec3
	Direction  Vec3
	Near       float64
	Far        float64
	FOVDegrees float64
}

// Valid requires a non-zero direction, 0 < near < far, and 0 < fov < 360.
func (f Frustum) Valid() bool {
	if f.Direction.length() == 0 {
		return false
	}
	if !(f.Near > 0 && f.Near < f.Far) {
		return false
	}
	return f.FOVDegrees > 0 && f.FOVDegrees < 360
}

// AABB is an axis-aligned box.
type AABB struct {
	Min Vec3
	Max Vec3
}

// Center returns the box midpoint.
func (b AABB) Center() Vec3 {
	return Vec3{(b.Min.X + b.Max.X) / 2, (b.Min.Y + b.Max.Y) / 2, (b.Min.Z + b.Max.Z) / 2}
}

// halfDiagonal is half the box diagonal.
func (b AABB) halfDiagonal() float64 {
	return b.Max.sub(b.Min).length() / 2
}

// IntersectsAABB conservatively tests the box against the frustum along the
// direction axis, treating the box half-diagonal as an error bound. False
// positives are acceptable; false negatives are not.
func (f Frustum) IntersectsAABB(box AABB) bool {
	if !f.Valid() {
		return false
	}
	dir := f.Direction
	length := dir.length()
	dir = Vec3{dir.X / length, dir.Y / length, dir.Z / length}

	t := box.Center().sub(f.Origin).dot(dir)
	bound := box.halfDiagonal()
	return t+bound >= f.Near && t-bound <= f.Far
}

// DistanceTo returns the distance from the frustum origin to the box center.
func (f Frustum) DistanceTo(box AABB) float64 {
	return box.Center().sub(f.Origin).length()
}

// Viewport3D is the client's 3D view: three ranges plus an optional frustum.
type Viewport3D struct {
	X       Range
	Y       Range
	Z       Range
	Frustum *Frustum
}

// Valid requires non-empty ranges and, when present, a valid frustum.
func (v Viewport3D) Valid() bool {
	if v.X.Empty() || v.Y.Empty() || v.Z.Empty() {
		return false
	}
	if v.Frustum != nil && !v.Frustum.Valid() {
		return false
	}
	return true
}

// StreamingRegion is a 3D delivery request: ranges plus quality and
// resolution targets.
type StreamingRegion struct {
	X                Range
	Y                Range
	Z                Range
	TargetQuality    int
	TargetResolution int
}

// IsValid requires non-empty ranges and non-negative targets.
func (r StreamingRegion) IsValid() bool {
	if r.X.Empty() || r.Y.Empty() || r.Z.Empty() {
		return false
	}
	return r.TargetQuality >= 0 && r.TargetResolution >= 0
}
