package core

import "github.com/chewxy/math32"

// AABB2 represents a 2D axis-aligned bounding box
type AABB2 struct {
	Min Vec2 // Minimum corner
	Max Vec2 // Maximum corner
}

// NewAABB2 creates a new AABB2 from min and max points
func NewAABB2(min, max Vec2) AABB2 {
	return AABB2{Min: min, Max: max}
}

// IsValid reports whether the box has non-negative extent on every axis
func (b AABB2) IsValid() bool {
	return b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y
}

// Extent returns the size of the box along each axis
func (b AABB2) Extent() Vec2 {
	return b.Max.Subtract(b.Min)
}

// Volume returns the area covered by the box
func (b AABB2) Volume() float32 {
	extent := b.Extent()
	return extent.X * extent.Y
}

// Intersect returns the intersection of two boxes.
// The result is invalid if the boxes do not overlap.
func (b AABB2) Intersect(other AABB2) AABB2 {
	return AABB2{
		Min: Vec2{math32.Max(b.Min.X, other.Min.X), math32.Max(b.Min.Y, other.Min.Y)},
		Max: Vec2{math32.Min(b.Max.X, other.Max.X), math32.Min(b.Max.Y, other.Max.Y)},
	}
}

// AABB3 represents a 3D axis-aligned bounding box
type AABB3 struct {
	Min Vec3 // Minimum corner
	Max Vec3 // Maximum corner
}

// NewAABB3 creates a new AABB3 from min and max points
func NewAABB3(min, max Vec3) AABB3 {
	return AABB3{Min: min, Max: max}
}

// NewAABB3FromPoints creates an AABB3 that bounds all given points
func NewAABB3FromPoints(points ...Vec3) AABB3 {
	if len(points) == 0 {
		return AABB3{}
	}

	min := points[0]
	max := points[0]

	for _, point := range points[1:] {
		min.X = math32.Min(min.X, point.X)
		min.Y = math32.Min(min.Y, point.Y)
		min.Z = math32.Min(min.Z, point.Z)

		max.X = math32.Max(max.X, point.X)
		max.Y = math32.Max(max.Y, point.Y)
		max.Z = math32.Max(max.Z, point.Z)
	}

	return AABB3{Min: min, Max: max}
}

// IsValid reports whether the box has non-negative extent on every axis
func (b AABB3) IsValid() bool {
	return b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y && b.Min.Z <= b.Max.Z
}

// Extent returns the size of the box along each axis
func (b AABB3) Extent() Vec3 {
	return b.Max.Subtract(b.Min)
}

// Volume returns the volume enclosed by the box
func (b AABB3) Volume() float32 {
	extent := b.Extent()
	return extent.X * extent.Y * extent.Z
}

// Intersect returns the intersection of two boxes.
// The result is invalid if the boxes do not overlap.
func (b AABB3) Intersect(other AABB3) AABB3 {
	return AABB3{
		Min: Vec3{
			math32.Max(b.Min.X, other.Min.X),
			math32.Max(b.Min.Y, other.Min.Y),
			math32.Max(b.Min.Z, other.Min.Z),
		},
		Max: Vec3{
			math32.Min(b.Max.X, other.Max.X),
			math32.Min(b.Max.Y, other.Max.Y),
			math32.Min(b.Max.Z, other.Max.Z),
		},
	}
}

// Contains reports whether the point lies inside the box (inclusive)
func (b AABB3) Contains(point Vec3) bool {
	return point.X >= b.Min.X && point.X <= b.Max.X &&
		point.Y >= b.Min.Y && point.Y <= b.Max.Y &&
		point.Z >= b.Min.Z && point.Z <= b.Max.Z
}

// ClampPoint clamps a point to the box
func (b AABB3) ClampPoint(point Vec3) Vec3 {
	return Vec3{
		X: math32.Min(math32.Max(point.X, b.Min.X), b.Max.X),
		Y: math32.Min(math32.Max(point.Y, b.Min.Y), b.Max.Y),
		Z: math32.Min(math32.Max(point.Z, b.Min.Z), b.Max.Z),
	}
}
