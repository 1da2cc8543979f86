package guiding

import (
	"io"

	"github.com/chewxy/math32"

	"github.com/BashPrince/go-path-guiding/pkg/core"
)

// DTreeRecord carries one radiance sample into the SD-tree
type DTreeRecord struct {
	Direction    core.Vec3
	Radiance     float32
	WiPdf        float32 // full mixture pdf the direction was sampled with
	BSDFPdf      float32
	DTreePdf     float32
	ProductPdf   float32
	SampleWeight float32
	Product      float32 // radiance × BSDF value, drives the Adam gradient
	IsDelta      bool
	Method       GuidingMethod
}

// DTreeSample is a direction drawn from a D-tree
type DTreeSample struct {
	Direction      core.Vec3
	Pdf            float32
	ScatteringMode ScatteringMode
}

// DTree is the directional distribution stored at each spatial leaf. It
// owns one quad-tree plus the Adam state of the learned BSDF sampling
// fraction(s) and the radiance proxy rebuilt at restructure time.
//
// Records are lock-free on the quad-tree and sample weight atomics; the
// Adam updates are guarded by per-tree spin locks. Sampling only reads
// the frozen previous-iteration state.
type DTree struct {
	params *Parameters

	root                 *QuadTreeNode
	currentSampleWeight  atomicFloat32
	previousSampleWeight float32

	optLock      spinLock
	optStepCount int
	firstMoment  float32
	secondMoment float32
	theta        float32

	optLockProduct      spinLock
	optStepCountProduct int
	firstMomentProduct  core.Vec2
	secondMomentProduct core.Vec2
	thetaProduct        core.Vec2

	proxy          RadianceProxy
	isBuilt        bool
	scatteringMode ScatteringMode
}

// NewDTree creates an empty D-tree with a subdivided root
func NewDTree(params *Parameters) *DTree {
	return &DTree{
		params:         params,
		root:           newQuadTreeNode(true, 0),
		scatteringMode: ScatteringModeDiffuse,
	}
}

// newDTreeFrom copies a parent D-tree, inheriting its distribution and
// Adam state. Used when an S-tree leaf splits.
func newDTreeFrom(other *DTree) *DTree {
	tree := &DTree{
		params:               other.params,
		root:                 other.root.clone(),
		previousSampleWeight: other.previousSampleWeight,
		optStepCount:         other.optStepCount,
		firstMoment:          other.firstMoment,
		secondMoment:         other.secondMoment,
		theta:                other.theta,
		optStepCountProduct:  other.optStepCountProduct,
		firstMomentProduct:   other.firstMomentProduct,
		secondMomentProduct:  other.secondMomentProduct,
		thetaProduct:         other.thetaProduct,
		isBuilt:              other.isBuilt,
		scatteringMode:       other.scatteringMode,
	}
	tree.currentSampleWeight.Store(other.currentSampleWeight.Load())
	tree.proxy.copyFrom(&other.proxy)
	return tree
}

// Record accumulates a radiance sample. Delta samples and samples with a
// non-positive mixture pdf only feed the optimizer.
func (d *DTree) Record(rec DTreeRecord) {
	if d.params.BSDFSamplingFractionMode == BSDFSamplingFractionModeLearn && d.isBuilt && rec.Product > 0 {
		if rec.Method == GuidingMethodPath {
			d.optimizationStep(rec)
		} else {
			d.optimizationStepProduct(rec)
		}
	}

	if rec.IsDelta || rec.WiPdf <= 0 {
		return
	}

	d.currentSampleWeight.Add(rec.SampleWeight)

	radiance := rec.Radiance / rec.WiPdf * rec.SampleWeight
	direction := core.CartesianToCylindrical(rec.Direction)

	switch d.params.DirectionalFilter {
	case DirectionalFilterNearest:
		d.root.recordNearest(&direction, radiance)

	case DirectionalFilterBox:
		// Splat a box the size of the leaf at the direction; the
		// radiance is normalized by the splat area (the spatial filter
		// normalizes the sample weight by volume instead).
		leafDepth := d.root.depth(&core.Vec2{X: direction.X, Y: direction.Y})
		leafSize := math32.Pow(0.25, float32(leafDepth-1))
		halfSize := core.NewVec2(0.5*leafSize, 0.5*leafSize)
		splatAABB := core.NewAABB2(direction.Subtract(halfSize), direction.Add(halfSize))
		nodeAABB := core.NewAABB2(core.NewVec2(0, 0), core.NewVec2(1, 1))

		if !splatAABB.IsValid() {
			return
		}

		d.root.recordBox(splatAABB, nodeAABB, radiance/splatAABB.Volume())
	}
}

// Sample draws a direction from the frozen distribution. Empty trees
// fall back to uniform sphere sampling.
func (d *DTree) Sample(sampler core.Sampler, modes ScatteringMode) DTreeSample {
	if modes&d.scatteringMode == 0 {
		return DTreeSample{ScatteringMode: ScatteringModeNone, Pdf: 0}
	}

	u := sampler.Get2D()

	if d.previousSampleWeight <= 0 || d.root.radianceSum() <= 0 {
		return DTreeSample{
			Direction:      core.SampleSphereUniform(u),
			Pdf:            core.UniformSpherePDF,
			ScatteringMode: ScatteringModeDiffuse,
		}
	}

	direction, pdf := d.root.sample(u)
	return DTreeSample{
		Direction:      core.CylindricalToCartesian(direction),
		Pdf:            pdf * core.UniformSpherePDF,
		ScatteringMode: d.scatteringMode,
	}
}

// Pdf returns the solid-angle density of Sample for a direction
func (d *DTree) Pdf(direction core.Vec3, modes ScatteringMode) float32 {
	if modes&d.scatteringMode == 0 {
		return 0
	}

	if d.previousSampleWeight <= 0 || d.root.radianceSum() <= 0 {
		return core.UniformSpherePDF
	}

	return d.root.pdf(core.CartesianToCylindrical(direction)) * core.UniformSpherePDF
}

// HalveSampleWeight dilutes the samples inherited from a split parent so
// they are not duplicated across the two children.
func (d *DTree) HalveSampleWeight() {
	d.currentSampleWeight.Store(0.5 * d.currentSampleWeight.Load())
}

// NodeCount returns the number of quad-tree nodes
func (d *DTree) NodeCount() int {
	return d.root.nodeCount()
}

// MaxDepth returns the depth of the quad-tree
func (d *DTree) MaxDepth() int {
	return d.root.maxDepth()
}

// ScatteringModeTag returns the mode assigned to guided directions
func (d *DTree) ScatteringModeTag() ScatteringMode {
	return d.scatteringMode
}

// Build freezes the in-progress sums for the next sampling phase
func (d *DTree) Build() {
	d.previousSampleWeight = d.currentSampleWeight.Load()
	d.root.buildSums()
}

// Restructure adapts the quad-tree to the radiance observed during the
// previous iteration, classifies the scattering mode and rebuilds the
// radiance proxy. Must only run during the build barrier.
func (d *DTree) Restructure(subdivThreshold float32) {
	d.isBuilt = true
	d.currentSampleWeight.Store(0)
	d.proxy.isBuilt = false
	radianceSum := d.root.radianceSum()

	// Reset D-trees that did not collect radiance.
	if radianceSum <= 0 {
		d.root.reset()
		d.scatteringMode = ScatteringModeDiffuse
		d.optStepCount = 0
		d.firstMoment = 0
		d.secondMoment = 0
		d.theta = 0
		d.optStepCountProduct = 0
		d.firstMomentProduct = core.Vec2{}
		d.secondMomentProduct = core.Vec2{}
		d.thetaProduct = core.Vec2{}
		return
	}

	var energyRatios []energyRatio
	var ratioList *[]energyRatio
	if d.params.GuidedBounceMode == GuidedBounceModeLearn {
		ratioList = &energyRatios
	}

	d.root.restructure(radianceSum, subdivThreshold, ratioList, 1)

	// If a significant part of the energy concentrates in a small subset
	// of directions, treat guided bounces as glossy.
	if d.params.GuidedBounceMode == GuidedBounceModeLearn {
		areaFractionSum := float32(0)
		energyFractionSum := float32(0)
		isGlossy := false

		for _, ratio := range energyRatios {
			if areaFractionSum+ratio.area >= dTreeGlossyAreaFraction {
				break
			}

			areaFractionSum += ratio.area
			energyFractionSum += ratio.energy

			if energyFractionSum > dTreeGlossyEnergyThreshold {
				isGlossy = true
				break
			}
		}

		if isGlossy {
			d.scatteringMode = ScatteringModeGlossy
		} else {
			d.scatteringMode = ScatteringModeDiffuse
		}
	}

	d.proxy.Build(d.root, core.UniformSpherePDF/d.previousSampleWeight)
}

// SampleWeight returns the in-progress sample weight
func (d *DTree) SampleWeight() float32 {
	return d.currentSampleWeight.Load()
}

// Mean returns the mean radiance of the frozen distribution
func (d *DTree) Mean() float32 {
	if d.previousSampleWeight <= 0 {
		return 0
	}

	return d.root.radianceSum() / d.previousSampleWeight * core.UniformSpherePDF
}

// Radiance returns the frozen radiance estimate in a direction
func (d *DTree) Radiance(direction core.Vec3) float32 {
	if d.root.radianceSum() <= 0 || d.previousSampleWeight <= 0 {
		return 0
	}

	cylindrical := core.CartesianToCylindrical(direction)
	return d.root.radiance(&cylindrical) / (4.0 * math32.Pi * d.previousSampleWeight)
}

// BSDFSamplingFraction returns the learned (or fixed) probability of
// sampling the BSDF instead of the guided distribution
func (d *DTree) BSDFSamplingFraction() float32 {
	if d.params.BSDFSamplingFractionMode == BSDFSamplingFractionModeLearn {
		return logistic(d.theta)
	}
	return d.params.FixedBSDFSamplingFraction
}

// BSDFSamplingFractionProduct returns the two mixing fractions of the
// three-way BSDF / D-tree / product mixture
func (d *DTree) BSDFSamplingFractionProduct() core.Vec2 {
	if d.params.BSDFSamplingFractionMode == BSDFSamplingFractionModeLearn {
		return core.NewVec2(logistic(d.thetaProduct.X), logistic(d.thetaProduct.Y))
	}
	return core.NewVec2(0.33333, 0.5)
}

// Proxy returns the radiance proxy built at the last restructure
func (d *DTree) Proxy() *RadianceProxy {
	return &d.proxy
}

// BSDF sampling fraction optimization. Implementation of Algorithm 3 in
// "Practical Path Guiding in Production" [Müller 2019], the
// stochastic-gradient Adam optimizer [Kingma and Ba 2014] applied to the
// mixing logit.

func (d *DTree) optimizationStep(rec DTreeRecord) {
	d.optLock.Lock()

	samplingFraction := d.BSDFSamplingFraction()
	combinedPdf := samplingFraction*rec.BSDFPdf + (1.0-samplingFraction)*rec.DTreePdf

	dSamplingFraction := -rec.Product * (rec.BSDFPdf - rec.DTreePdf) /
		(rec.WiPdf * combinedPdf)

	dTheta := dSamplingFraction * samplingFraction * (1.0 - samplingFraction)
	regGradient := d.theta * regularization
	gradient := (dTheta + regGradient) * rec.SampleWeight

	d.adamStep(gradient)

	d.optLock.Unlock()
}

func (d *DTree) adamStep(gradient float32) {
	d.optStepCount++
	debiasedLearningRate := d.params.LearningRate *
		math32.Sqrt(1.0-math32.Pow(beta2, float32(d.optStepCount))) /
		(1.0 - math32.Pow(beta1, float32(d.optStepCount)))

	d.firstMoment = beta1*d.firstMoment + (1.0-beta1)*gradient
	d.secondMoment = beta2*d.secondMoment + (1.0-beta2)*gradient*gradient
	d.theta -= debiasedLearningRate * d.firstMoment / (math32.Sqrt(d.secondMoment) + optimizationEpsilon)

	d.theta = math32.Max(-20.0, math32.Min(20.0, d.theta))
}

func (d *DTree) optimizationStepProduct(rec DTreeRecord) {
	d.optLockProduct.Lock()

	samplingFraction := d.BSDFSamplingFractionProduct()
	guidedMixPdf := samplingFraction.Y*rec.DTreePdf + (1.0-samplingFraction.Y)*rec.ProductPdf
	combinedPdf := samplingFraction.X*rec.BSDFPdf + (1.0-samplingFraction.X)*guidedMixPdf

	commonFactor := -rec.Product / (rec.WiPdf * combinedPdf)
	dSamplingFraction := core.NewVec2(
		commonFactor*(rec.BSDFPdf-guidedMixPdf),
		commonFactor*(1.0-samplingFraction.X)*(rec.ProductPdf-rec.DTreePdf))

	dTheta := core.NewVec2(
		dSamplingFraction.X*samplingFraction.X*(1.0-samplingFraction.X),
		dSamplingFraction.Y*samplingFraction.Y*(1.0-samplingFraction.Y))

	regGradient := d.thetaProduct.Multiply(regularization)
	gradient := dTheta.Add(regGradient).Multiply(rec.SampleWeight)

	d.adamStepProduct(gradient)

	d.optLockProduct.Unlock()
}

func (d *DTree) adamStepProduct(gradient core.Vec2) {
	d.optStepCountProduct++
	debiasedLearningRate := d.params.LearningRate *
		math32.Sqrt(1.0-math32.Pow(beta2, float32(d.optStepCountProduct))) /
		(1.0 - math32.Pow(beta1, float32(d.optStepCountProduct)))

	d.firstMomentProduct = d.firstMomentProduct.Multiply(beta1).Add(gradient.Multiply(1.0 - beta1))
	d.secondMomentProduct = d.secondMomentProduct.Multiply(beta2).
		Add(gradient.MultiplyVec(gradient).Multiply(1.0 - beta2))

	d.thetaProduct = d.thetaProduct.Subtract(core.NewVec2(
		debiasedLearningRate*d.firstMomentProduct.X/(math32.Sqrt(d.secondMomentProduct.X)+optimizationEpsilon),
		debiasedLearningRate*d.firstMomentProduct.Y/(math32.Sqrt(d.secondMomentProduct.Y)+optimizationEpsilon)))

	d.thetaProduct = d.thetaProduct.Clamp(-20.0, 20.0)
}

// WriteTo serializes the tree in the visualizer's flattened node layout
func (d *DTree) WriteTo(w io.Writer) error {
	var nodes []visualizerNode
	d.root.flatten(&nodes)

	if err := writeBinary(w, d.Mean()); err != nil {
		return err
	}
	if err := writeBinary(w, uint64(d.SampleWeight())); err != nil {
		return err
	}
	if err := writeBinary(w, uint64(len(nodes))); err != nil {
		return err
	}

	for _, node := range nodes {
		for i := 0; i < 4; i++ {
			if err := writeBinary(w, node.sums[i]); err != nil {
				return err
			}
			if err := writeBinary(w, node.children[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
