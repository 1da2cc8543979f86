package guiding

import (
	"github.com/chewxy/math32"

	"github.com/BashPrince/go-path-guiding/pkg/core"
)

// BSDFProxy approximates a BSDF as a small set of weighted lobes for
// product guiding. The host material accumulates lobe weights through
// the Add* methods; FinishParameterization fixes the lobes in world
// space at a shading point.
type BSDFProxy struct {
	diffuseWeight      float32
	translucencyWeight float32
	reflectionWeight   float32
	refractionWeight   float32

	reflectionRoughness float32
	refractionRoughness float32
	ior                 float32

	normal         core.Vec3
	reflectionLobe core.Vec3
	refractionLobe core.Vec3

	isDiffuse     bool
	isTranslucent bool
	isReflective  bool
	isRefractive  bool
}

// AddDiffuseWeight accumulates a diffuse lobe weight
func (p *BSDFProxy) AddDiffuseWeight(weight float32) {
	p.diffuseWeight += weight
}

// AddTranslucencyWeight accumulates a translucency lobe weight
func (p *BSDFProxy) AddTranslucencyWeight(weight float32) {
	p.translucencyWeight += weight
}

// AddReflectionWeight accumulates a reflection lobe weight with a
// weight-averaged roughness
func (p *BSDFProxy) AddReflectionWeight(weight, roughness float32) {
	oldWeight := p.reflectionWeight
	p.reflectionWeight += weight

	invWeight := float32(0)
	if p.reflectionWeight > 0 {
		invWeight = 1.0 / p.reflectionWeight
	}
	p.reflectionRoughness = oldWeight*invWeight*p.reflectionRoughness + weight*invWeight*roughness
}

// AddRefractionWeight accumulates a refraction lobe weight with a
// weight-averaged roughness
func (p *BSDFProxy) AddRefractionWeight(weight, roughness float32) {
	oldWeight := p.refractionWeight
	p.refractionWeight += weight

	invWeight := float32(0)
	if p.refractionWeight > 0 {
		invWeight = 1.0 / p.refractionWeight
	}
	p.refractionRoughness = oldWeight*invWeight*p.refractionRoughness + weight*invWeight*roughness
}

// SetIOR sets the index of refraction used to build the refraction lobe
func (p *BSDFProxy) SetIOR(ior float32) {
	p.ior = ior
}

// FinishParameterization builds the world-space lobes at a shading point
func (p *BSDFProxy) FinishParameterization(outgoing, shadingNormal core.Vec3) {
	p.isDiffuse = p.diffuseWeight > 0
	p.isTranslucent = p.translucencyWeight > 0
	p.isReflective = p.reflectionWeight > 0
	p.isRefractive = p.refractionWeight > 0

	if p.IsZero() {
		return
	}

	p.normal = shadingNormal
	p.reflectionLobe = reflect(outgoing, p.normal)
	p.refractionLobe = refract(outgoing, p.normal, p.ior)

	// Roughness correction.
	p.reflectionRoughness *= 2.0
	cosNT := math32.Abs(p.normal.Dot(p.refractionLobe))
	cosNO := math32.Abs(p.normal.Dot(outgoing))
	if cosNT > 0 {
		p.refractionRoughness *= (cosNT + p.ior*cosNO) / cosNT
	}
}

// Evaluate returns the proxy BSDF value for an incoming direction.
// TODO: evaluate the reflection and refraction lobes once their spread
// model is settled; only the cosine lobes contribute for now.
func (p *BSDFProxy) Evaluate(incoming core.Vec3) float32 {
	value := float32(0)
	cosNI := p.normal.Dot(incoming)

	if p.isDiffuse {
		value += p.diffuseWeight * math32.Max(cosNI, 0)
	}
	if p.isTranslucent {
		value += p.translucencyWeight * math32.Max(-cosNI, 0)
	}

	return value
}

// IsZero reports whether no lobe carries any weight
func (p *BSDFProxy) IsZero() bool {
	return !(p.isDiffuse || p.isTranslucent || p.isReflective || p.isRefractive)
}

// reflect mirrors a direction around a normal; both point away from the
// surface.
func reflect(direction, normal core.Vec3) core.Vec3 {
	return normal.Multiply(2.0 * direction.Dot(normal)).Subtract(direction)
}

// refract bends a direction through a surface with the given relative
// index of refraction. Returns the zero vector on total internal
// reflection.
func refract(direction, normal core.Vec3, ior float32) core.Vec3 {
	if ior == 0 {
		return core.Vec3{}
	}

	cosTheta := direction.Dot(normal)
	eta := 1.0 / ior
	k := 1.0 - eta*eta*(1.0-cosTheta*cosTheta)
	if k < 0 {
		return core.Vec3{}
	}

	return direction.Negate().Multiply(eta).
		Add(normal.Multiply(eta*cosTheta - math32.Sqrt(k)))
}
