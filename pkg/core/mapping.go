package core

import "github.com/chewxy/math32"

// Directional distributions are stored over the unit square using the
// cylindrical [cos(theta), phi] parameterization, which preserves area.
// Theta is the angle with the z axis.

// CartesianToCylindrical maps a unit direction to the unit square
func CartesianToCylindrical(direction Vec3) Vec2 {
	cosTheta := direction.Z
	phi := math32.Atan2(direction.Y, direction.X)

	if phi < 0 {
		phi += 2.0 * math32.Pi
	}

	return NewVec2(
		(cosTheta+1.0)*0.5,
		phi/(2.0*math32.Pi))
}

// CylindricalToCartesian maps a unit-square point back to a unit direction
func CylindricalToCartesian(cylindrical Vec2) Vec3 {
	phi := 2.0 * math32.Pi * cylindrical.Y
	cosTheta := 2.0*cylindrical.X - 1.0
	sinTheta := math32.Sqrt(math32.Max(0, 1.0-cosTheta*cosTheta))

	return NewVec3(
		math32.Cos(phi)*sinTheta,
		math32.Sin(phi)*sinTheta,
		cosTheta)
}
