package guiding

import (
	"sort"

	"github.com/chewxy/math32"

	"github.com/BashPrince/go-path-guiding/pkg/core"
)

// ProxyWidth is the resolution of the radiance proxy map.
const ProxyWidth = 16

const proxyPixelCount = ProxyWidth * ProxyWidth

// distribution2D importance-samples a pixel of the proxy map using
// marginal/conditional CDF tables.
type distribution2D struct {
	conditionalCDF [ProxyWidth][ProxyWidth]float32
	marginalCDF    [ProxyWidth]float32
	probabilities  [proxyPixelCount]float32
}

func (d *distribution2D) rebuild(values *[proxyPixelCount]float32) {
	var rowSums [ProxyWidth]float32
	total := float32(0)

	for y := 0; y < ProxyWidth; y++ {
		for x := 0; x < ProxyWidth; x++ {
			rowSums[y] += values[y*ProxyWidth+x]
		}
		total += rowSums[y]
	}

	if total <= 0 {
		// Degenerate map, fall back to a uniform distribution.
		for y := 0; y < ProxyWidth; y++ {
			d.marginalCDF[y] = float32(y+1) / ProxyWidth
			for x := 0; x < ProxyWidth; x++ {
				d.conditionalCDF[y][x] = float32(x+1) / ProxyWidth
				d.probabilities[y*ProxyWidth+x] = 1.0 / proxyPixelCount
			}
		}
		return
	}

	marginalAccum := float32(0)
	for y := 0; y < ProxyWidth; y++ {
		marginalAccum += rowSums[y] / total
		d.marginalCDF[y] = marginalAccum

		rowAccum := float32(0)
		for x := 0; x < ProxyWidth; x++ {
			value := values[y*ProxyWidth+x]
			d.probabilities[y*ProxyWidth+x] = value / total

			if rowSums[y] > 0 {
				rowAccum += value / rowSums[y]
			} else {
				rowAccum = float32(x+1) / ProxyWidth
			}
			d.conditionalCDF[y][x] = rowAccum
		}
	}
	d.marginalCDF[ProxyWidth-1] = 1.0
}

func searchCDF(cdf []float32, u float32) int {
	index := sort.Search(len(cdf), func(i int) bool {
		return cdf[i] > u
	})
	return min(index, len(cdf)-1)
}

// sample picks a pixel with probability proportional to its map value
func (d *distribution2D) sample(u core.Vec2) (x, y int, probability float32) {
	y = searchCDF(d.marginalCDF[:], u.Y)
	x = searchCDF(d.conditionalCDF[y][:], u.X)
	return x, y, d.probabilities[y*ProxyWidth+x]
}

// pdfAt returns the discrete probability of picking the pixel
func (d *distribution2D) pdfAt(x, y int) float32 {
	return d.probabilities[y*ProxyWidth+x]
}

// RadianceProxy is a low resolution pre-flattened radiance map over the
// sphere used for product importance sampling. Pixels covered by
// quad-tree nodes deeper than the proxy resolution keep a back-pointer
// into the quad-tree so sub-pixel sampling re-enters the tree.
//
// The back-pointers are non-owning: a restructure rebuilds the quad-tree
// and clears is_built first, and proxies are only read while the pass
// barrier keeps the tree frozen.
type RadianceProxy struct {
	mapData        [proxyPixelCount]float32
	strata         *[proxyPixelCount]*QuadTreeNode
	sampler        distribution2D
	isBuilt        bool
	productIsBuilt bool
}

// IsBuilt reports whether the proxy map is ready for product builds
func (p *RadianceProxy) IsBuilt() bool {
	return p.isBuilt
}

// copyFrom shares the strata with the source proxy; the product map is
// per shading point and never inherited.
func (p *RadianceProxy) copyFrom(other *RadianceProxy) {
	p.mapData = other.mapData
	p.strata = other.strata
	p.isBuilt = other.isBuilt
	p.productIsBuilt = false
}

// Build rasterizes the quad-tree into the proxy map. The radiance scale
// converts frozen sums into mean radiance.
func (p *RadianceProxy) Build(root *QuadTreeNode, radianceScale float32) {
	p.strata = &[proxyPixelCount]*QuadTreeNode{}
	p.productIsBuilt = false

	endLevel := 0
	for mapWidth := ProxyWidth; mapWidth > 1; mapWidth >>= 1 {
		endLevel++
	}

	root.buildRadianceProxy(p, radianceScale, endLevel, 0, 0, 0)

	for i := range p.mapData {
		if p.mapData[i] < 0 || math32.IsNaN(p.mapData[i]) || math32.IsInf(p.mapData[i], 0) {
			p.mapData[i] = 0
		}
	}

	p.isBuilt = true
}

// BuildProduct multiplies the map by the BSDF proxy evaluated at each
// pixel center and rebuilds the importance sampler. Idempotent within
// one shading event.
func (p *RadianceProxy) BuildProduct(bsdfProxy *BSDFProxy, outgoing, shadingNormal core.Vec3) {
	if p.productIsBuilt {
		return
	}

	bsdfProxy.FinishParameterization(outgoing, shadingNormal)
	p.productIsBuilt = true

	invWidth := float32(1.0) / ProxyWidth
	for y := 0; y < ProxyWidth; y++ {
		for x := 0; x < ProxyWidth; x++ {
			cylindrical := core.NewVec2(
				(float32(x)+0.5)*invWidth,
				(float32(y)+0.5)*invWidth)
			incoming := core.CylindricalToCartesian(cylindrical)

			p.mapData[y*ProxyWidth+x] *= bsdfProxy.Evaluate(incoming)
		}
	}

	p.sampler.rebuild(&p.mapData)
}

// Sample draws a direction from the product map. Pixels anchored to a
// quad-tree sub-node resolve the sub-pixel direction through the tree,
// plain pixels jitter uniformly. Returns the solid-angle pdf.
func (p *RadianceProxy) Sample(sampler core.Sampler) (core.Vec3, float32) {
	u := sampler.Get2D()
	x, y, pdf := p.sampler.sample(u)

	cylindrical := core.NewVec2(float32(x), float32(y))
	s := sampler.Get2D()

	if subTree := p.strata[y*ProxyWidth+x]; subTree != nil {
		subDirection, treePdf := subTree.sample(s)
		cylindrical = cylindrical.Add(subDirection)
		pdf *= treePdf
	} else {
		cylindrical = cylindrical.Add(s)
	}

	pdf *= proxyPixelCount * core.UniformSpherePDF
	cylindrical = cylindrical.Multiply(1.0 / ProxyWidth)
	cylindrical.X = math32.Min(cylindrical.X, 0.99999)
	cylindrical.Y = math32.Min(cylindrical.Y, 0.99999)
	cylindrical = cylindrical.Clamp(0, 1)

	return core.CylindricalToCartesian(cylindrical), pdf
}

// Pdf returns the solid-angle density Sample would have produced the
// direction with.
func (p *RadianceProxy) Pdf(direction core.Vec3) float32 {
	cylindrical := core.CartesianToCylindrical(direction).Multiply(ProxyWidth)
	x := min(int(cylindrical.X), ProxyWidth-1)
	y := min(int(cylindrical.Y), ProxyWidth-1)

	pdf := p.sampler.pdfAt(x, y)

	if subTree := p.strata[y*ProxyWidth+x]; subTree != nil {
		subDirection := core.NewVec2(cylindrical.X-float32(x), cylindrical.Y-float32(y))
		pdf *= subTree.pdf(subDirection)
	}

	return pdf * proxyPixelCount * core.UniformSpherePDF
}

// ProxyRadiance returns the raw map value covering the direction
func (p *RadianceProxy) ProxyRadiance(direction core.Vec3) float32 {
	cylindrical := core.CartesianToCylindrical(direction).Multiply(ProxyWidth)
	x := min(int(cylindrical.X), ProxyWidth-1)
	y := min(int(cylindrical.Y), ProxyWidth-1)

	return p.mapData[y*ProxyWidth+x]
}
