package guiding

import (
	"github.com/chewxy/math32"

	"github.com/BashPrince/go-path-guiding/pkg/core"
)

// BSDFSample is the result of sampling a host BSDF
type BSDFSample struct {
	Incoming core.Vec3      // sampled incoming direction
	Value    core.Vec3      // BSDF value times |cos| at the direction
	Pdf      float32        // solid-angle pdf, 0 for rejected samples
	Mode     ScatteringMode // lobe the sample represents
}

// BSDF is the host renderer's material seen through an opaque interface.
// Sampled and evaluated values are premultiplied by the cosine term.
type BSDF interface {
	Sample(sampler core.Sampler, outgoing core.Vec3, modes ScatteringMode) BSDFSample
	Evaluate(outgoing, incoming core.Vec3, modes ScatteringMode) (value core.Vec3, pdf float32)
	IsPurelySpecular() bool
	// AddParametersToProxy describes the BSDF's lobes to a proxy,
	// returning false when the material cannot be proxied.
	AddParametersToProxy(proxy *BSDFProxy, modes ScatteringMode) bool
}

// GuidedSample extends a BSDF sample with the mixture pdfs needed to
// record the bounce into the SD-tree.
type GuidedSample struct {
	BSDFSample
	WiPdf      float32 // full mixture pdf of the sampled direction
	DTreePdf   float32
	ProductPdf float32
	Guided     bool // direction came from a guided distribution
}

// GuidedSampler draws scattering directions at one shading point from a
// mixture of the BSDF, the D-tree and an optional radiance×BSDF product
// distribution. Enable decisions and mixture fractions are fixed at
// construction.
type GuidedSampler struct {
	guidingMode      GuidingMode
	guidedBounceMode GuidedBounceMode

	dtree         *DTree
	bsdf          BSDF
	samplingModes ScatteringMode
	shadingNormal core.Vec3
	sdTreeIsBuilt bool

	proxy     *RadianceProxy
	bsdfProxy BSDFProxy

	enablePathGuiding    bool
	enableProductGuiding bool

	bsdfSamplingFraction    float32
	productSamplingFraction float32
}

// NewGuidedSampler builds a sampler for one shading point
func NewGuidedSampler(
	guidingMode GuidingMode,
	allowPathGuiding bool,
	guidedBounceMode GuidedBounceMode,
	dtree *DTree,
	bsdf BSDF,
	samplingModes ScatteringMode,
	shadingNormal core.Vec3,
	sdTreeIsBuilt bool,
) *GuidedSampler {
	g := &GuidedSampler{
		guidingMode:      guidingMode,
		guidedBounceMode: guidedBounceMode,
		dtree:            dtree,
		bsdf:             bsdf,
		samplingModes:    samplingModes,
		shadingNormal:    shadingNormal,
		sdTreeIsBuilt:    sdTreeIsBuilt,
	}

	// The product map belongs to this shading point: multiply a copy of
	// the D-tree's radiance proxy, never the shared one.
	g.proxy = &RadianceProxy{}
	g.proxy.copyFrom(dtree.Proxy())

	g.enablePathGuiding = sdTreeIsBuilt && !bsdf.IsPurelySpecular() && allowPathGuiding

	if (guidingMode == GuidingModeProduct || guidingMode == GuidingModeCombined) &&
		g.proxy.IsBuilt() &&
		bsdf.AddParametersToProxy(&g.bsdfProxy, samplingModes) {
		g.enableProductGuiding = true
	}

	switch {
	case !g.enablePathGuiding:
		g.bsdfSamplingFraction = 1.0
		g.productSamplingFraction = 0.0
	case guidingMode == GuidingModeCombined && g.enableProductGuiding:
		fractions := dtree.BSDFSamplingFractionProduct()
		g.bsdfSamplingFraction = fractions.X
		g.productSamplingFraction = fractions.Y
	case guidingMode == GuidingModeProduct && g.enableProductGuiding:
		g.bsdfSamplingFraction = dtree.BSDFSamplingFraction()
		g.productSamplingFraction = 1.0
	default:
		g.bsdfSamplingFraction = dtree.BSDFSamplingFraction()
		g.productSamplingFraction = 0.0
	}

	return g
}

// Sample draws an incoming direction from the mixture. The boolean is
// false when the sampled scattering mode is outside the caller's
// allowed modes and the path should terminate.
func (g *GuidedSampler) Sample(sampler core.Sampler, outgoing core.Vec3) (GuidedSample, bool) {
	var sample GuidedSample

	if !g.enablePathGuiding {
		g.simpleBSDFBounce(sampler, outgoing, &sample)
	} else {
		s := sampler.Get1D()

		if s < g.bsdfSamplingFraction {
			g.guidingAwareBSDFBounce(sampler, outgoing, &sample)
		} else {
			s = (s - g.bsdfSamplingFraction) / (1.0 - g.bsdfSamplingFraction)
			if s >= 1.0 {
				s = math32.Nextafter(1.0, 0.0)
			}
			g.guidedBounce(sampler, outgoing, s, &sample)
			sample.Guided = true
		}
	}

	return sample, g.samplingModes&sample.Mode != 0
}

// Evaluate returns the BSDF value and the combined mixture pdf for a
// fixed pair of directions, e.g. for light sampling MIS.
func (g *GuidedSampler) Evaluate(outgoing, incoming core.Vec3, modes ScatteringMode) (core.Vec3, float32) {
	value, bsdfPdf := g.bsdf.Evaluate(outgoing, incoming, modes)

	dtreePdf := g.dtree.Pdf(incoming, g.enableModesBeforeSampling(g.samplingModes))

	productPdf := float32(0)
	if g.enableProductGuiding {
		g.proxy.BuildProduct(&g.bsdfProxy, outgoing, g.shadingNormal)
		productPdf = g.proxy.Pdf(incoming)
	}

	return value, g.guidedPathExtensionPdf(bsdfPdf, dtreePdf, productPdf)
}

// simpleBSDFBounce samples the plain BSDF when guiding is disabled
func (g *GuidedSampler) simpleBSDFBounce(sampler core.Sampler, outgoing core.Vec3, sample *GuidedSample) {
	sample.BSDFSample = g.bsdf.Sample(sampler, outgoing, g.samplingModes)

	sample.DTreePdf = 0
	sample.ProductPdf = 0
	sample.WiPdf = g.guidedPathExtensionPdf(sample.Pdf, 0, 0)
}

// guidingAwareBSDFBounce samples the BSDF inside the mixture. Specular
// bounces carry the bsdf sampling fraction as their mixture pdf; a None
// result returns without touching the pdfs.
func (g *GuidedSampler) guidingAwareBSDFBounce(sampler core.Sampler, outgoing core.Vec3, sample *GuidedSample) {
	sample.BSDFSample = g.bsdf.Sample(sampler, outgoing, g.samplingModes)

	if sample.Mode == ScatteringModeNone {
		return
	}

	if sample.Mode == ScatteringModeSpecular {
		sample.DTreePdf = 0
		sample.ProductPdf = 0
		sample.WiPdf = g.bsdfSamplingFraction
		return
	}

	if g.enableProductGuiding {
		g.proxy.BuildProduct(&g.bsdfProxy, outgoing, g.shadingNormal)
		sample.ProductPdf = g.proxy.Pdf(sample.Incoming)
	} else {
		sample.ProductPdf = 0
	}

	sample.DTreePdf = g.dtree.Pdf(sample.Incoming, g.enableModesBeforeSampling(g.samplingModes))

	sample.WiPdf = g.guidedPathExtensionPdf(sample.Pdf, sample.DTreePdf, sample.ProductPdf)
}

// guidedBounce samples the guided side of the mixture: the product map
// with probability productSamplingFraction, the D-tree otherwise.
func (g *GuidedSampler) guidedBounce(sampler core.Sampler, outgoing core.Vec3, s float32, sample *GuidedSample) {
	if g.enableProductGuiding {
		g.proxy.BuildProduct(&g.bsdfProxy, outgoing, g.shadingNormal)
	}

	var dtreeSample DTreeSample

	if s <= g.productSamplingFraction {
		// Product guiding.
		dtreeSample.Direction, sample.ProductPdf = g.proxy.Sample(sampler)
		dtreeSample.Pdf = g.dtree.Pdf(dtreeSample.Direction, g.enableModesBeforeSampling(g.samplingModes))
		dtreeSample.ScatteringMode = ScatteringModeDiffuse
	} else {
		// Path guiding.
		dtreeSample = g.dtree.Sample(sampler, g.enableModesBeforeSampling(g.samplingModes))

		if g.enableProductGuiding {
			sample.ProductPdf = g.proxy.Pdf(dtreeSample.Direction)
		} else {
			sample.ProductPdf = 0
		}
	}

	mode := g.setModeAfterSampling(dtreeSample.ScatteringMode)

	if mode == ScatteringModeNone {
		// Terminate.
		sample.Mode = ScatteringModeNone
		sample.Pdf = 0
		return
	}

	sample.Incoming = dtreeSample.Direction
	sample.DTreePdf = dtreeSample.Pdf

	value, bsdfPdf := g.bsdf.Evaluate(outgoing, sample.Incoming, g.samplingModes)

	if bsdfPdf == 0 {
		// Reject invalid directions.
		sample.Mode = ScatteringModeNone
		sample.Pdf = 0
		return
	}

	sample.Value = value
	sample.Pdf = bsdfPdf
	sample.Mode = mode

	sample.WiPdf = g.guidedPathExtensionPdf(bsdfPdf, sample.DTreePdf, sample.ProductPdf)
}

// guidedPathExtensionPdf combines the three technique pdfs with the
// mixture fractions
func (g *GuidedSampler) guidedPathExtensionPdf(bsdfPdf, dtreePdf, productPdf float32) float32 {
	if !g.enablePathGuiding {
		return bsdfPdf
	}

	guidedMixPdf := lerp(dtreePdf, productPdf, g.productSamplingFraction)
	return lerp(guidedMixPdf, bsdfPdf, g.bsdfSamplingFraction)
}

// enableModesBeforeSampling restricts D-tree queries to non-specular
// modes unless the bounce mode is learning the classification
func (g *GuidedSampler) enableModesBeforeSampling(modes ScatteringMode) ScatteringMode {
	if g.guidedBounceMode == GuidedBounceModeLearn {
		return modes
	}
	return ScatteringModeDiffuse | ScatteringModeGlossy
}

// setModeAfterSampling remaps the sampled scattering mode according to
// the guided bounce mode, rejecting to None when the BSDF cannot accept
// the target mode.
func (g *GuidedSampler) setModeAfterSampling(sampledMode ScatteringMode) ScatteringMode {
	switch g.guidedBounceMode {
	case GuidedBounceModeStrictlyDiffuse:
		if g.samplingModes.HasDiffuse() {
			return ScatteringModeDiffuse
		}
		return ScatteringModeNone

	case GuidedBounceModeStrictlyGlossy:
		if g.samplingModes.HasGlossy() {
			return ScatteringModeGlossy
		}
		return ScatteringModeNone

	case GuidedBounceModePreferDiffuse:
		if g.samplingModes.HasDiffuse() {
			return ScatteringModeDiffuse
		}
		if g.samplingModes.HasGlossy() {
			return ScatteringModeGlossy
		}
		return ScatteringModeNone

	case GuidedBounceModePreferGlossy:
		if g.samplingModes.HasGlossy() {
			return ScatteringModeGlossy
		}
		if g.samplingModes.HasDiffuse() {
			return ScatteringModeDiffuse
		}
		return ScatteringModeNone

	default:
		return sampledMode
	}
}

// Method returns the guiding method tag to record for samples produced
// by this sampler
func (g *GuidedSampler) Method() GuidingMethod {
	if g.guidingMode == GuidingModeCombined && g.enableProductGuiding {
		return GuidingMethodProduct
	}
	return GuidingMethodPath
}

// PathGuidingEnabled reports whether guided sampling participates at
// this shading point
func (g *GuidedSampler) PathGuidingEnabled() bool {
	return g.enablePathGuiding
}

// ProductGuidingEnabled reports whether product sampling participates at
// this shading point
func (g *GuidedSampler) ProductGuidingEnabled() bool {
	return g.enableProductGuiding
}

// BSDFSamplingFraction returns the mixture weight of the BSDF technique
func (g *GuidedSampler) BSDFSamplingFraction() float32 {
	return g.bsdfSamplingFraction
}

func lerp(a, b, t float32) float32 {
	return a + (b-a)*t
}
