package core

import (
	"math/rand"

	"github.com/chewxy/math32"
)

// Sampler provides uniform random samples for the guiding algorithms.
// Can be swapped out for deterministic testing or different sampling patterns.
type Sampler interface {
	Get1D() float32
	Get2D() Vec2
}

// RandomSampler wraps a standard Go random generator
type RandomSampler struct {
	random *rand.Rand
}

// NewRandomSampler creates a sampler from a Go random generator
func NewRandomSampler(random *rand.Rand) *RandomSampler {
	return &RandomSampler{random: random}
}

// Get1D returns a random float32 in [0, 1)
func (r *RandomSampler) Get1D() float32 {
	return float32(r.random.Float64())
}

// Get2D returns two random float32 values in [0, 1)
func (r *RandomSampler) Get2D() Vec2 {
	return NewVec2(float32(r.random.Float64()), float32(r.random.Float64()))
}

// SampleSphereUniform generates a uniform random direction on the unit sphere
func SampleSphereUniform(sample Vec2) Vec3 {
	z := 1.0 - 2.0*sample.X // z ∈ [-1, 1]
	r := math32.Sqrt(math32.Max(0, 1.0-z*z))
	phi := 2.0 * math32.Pi * sample.Y
	x := r * math32.Cos(phi)
	y := r * math32.Sin(phi)
	return NewVec3(x, y, z)
}

// UniformSpherePDF is the solid-angle pdf of SampleSphereUniform, 1/(4π)
const UniformSpherePDF = 1.0 / (4.0 * math32.Pi)
