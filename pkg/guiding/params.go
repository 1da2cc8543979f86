package guiding

// SD-tree refinement constants [Müller et al. 2017].
const (
	// SpatialSubdivisionThreshold is the sample weight above which an
	// S-tree leaf is split.
	SpatialSubdivisionThreshold = 4000

	// DTreeThreshold is the energy fraction above which a D-tree node
	// is subdivided.
	DTreeThreshold = 0.01

	// DTreeMaxDepth bounds directional subdivision.
	DTreeMaxDepth = 20

	dTreeGlossyAreaFraction    = 0.1
	dTreeGlossyEnergyThreshold = 0.7
)

// Sampling fraction optimization constants.
const (
	beta1               = 0.9
	beta2               = 0.999
	optimizationEpsilon = 1e-8
	regularization      = 0.01
)

// SpatialFilter selects how records are splatted into the S-tree
type SpatialFilter int

const (
	SpatialFilterNearest SpatialFilter = iota
	SpatialFilterStochastic
	SpatialFilterBox
)

// DirectionalFilter selects how records are splatted into a D-tree
type DirectionalFilter int

const (
	DirectionalFilterNearest DirectionalFilter = iota
	DirectionalFilterBox
)

// BSDFSamplingFractionMode selects between the learned and a fixed
// BSDF sampling fraction
type BSDFSamplingFractionMode int

const (
	BSDFSamplingFractionModeLearn BSDFSamplingFractionMode = iota
	BSDFSamplingFractionModeFixed
)

// GuidingMode selects which guided distributions participate in sampling
type GuidingMode int

const (
	GuidingModePath GuidingMode = iota
	GuidingModeProduct
	GuidingModeCombined
)

// GuidedBounceMode controls how scattering modes are assigned to guided bounces
type GuidedBounceMode int

const (
	GuidedBounceModeLearn GuidedBounceMode = iota
	GuidedBounceModeStrictlyDiffuse
	GuidedBounceModeStrictlyGlossy
	GuidedBounceModePreferDiffuse
	GuidedBounceModePreferGlossy
)

// IterationProgression controls how rendered iterations contribute to the
// final image
type IterationProgression int

const (
	IterationProgressionAutomatic IterationProgression = iota
	IterationProgressionCombine
)

// GuidingMethod tags which guided distribution produced a sample
type GuidingMethod int

const (
	GuidingMethodPath GuidingMethod = iota
	GuidingMethodProduct
)

// ScatteringMode is a bitmask classifying which BSDF lobes a sample may
// represent
type ScatteringMode int

const (
	ScatteringModeNone     ScatteringMode = 0
	ScatteringModeDiffuse  ScatteringMode = 1 << 0
	ScatteringModeGlossy   ScatteringMode = 1 << 1
	ScatteringModeSpecular ScatteringMode = 1 << 2

	ScatteringModeAll = ScatteringModeDiffuse | ScatteringModeGlossy | ScatteringModeSpecular
)

// HasDiffuse reports whether the mask includes the diffuse mode
func (m ScatteringMode) HasDiffuse() bool {
	return m&ScatteringModeDiffuse != 0
}

// HasGlossy reports whether the mask includes the glossy mode
func (m ScatteringMode) HasGlossy() bool {
	return m&ScatteringModeGlossy != 0
}

// Parameters configures the guiding core
type Parameters struct {
	SpatialFilter             SpatialFilter
	DirectionalFilter         DirectionalFilter
	BSDFSamplingFractionMode  BSDFSamplingFractionMode
	FixedBSDFSamplingFraction float32 // used when the mode is Fixed
	GuidingMode               GuidingMode
	GuidedBounceMode          GuidedBounceMode
	IterationProgression      IterationProgression
	SamplesPerPass            int
	LearningRate              float32
	SavePath                  string // empty disables snapshot output
}

// DefaultParameters returns sensible default values
func DefaultParameters() Parameters {
	return Parameters{
		SpatialFilter:             SpatialFilterNearest,
		DirectionalFilter:         DirectionalFilterNearest,
		BSDFSamplingFractionMode:  BSDFSamplingFractionModeLearn,
		FixedBSDFSamplingFraction: 0.5,
		GuidingMode:               GuidingModePath,
		GuidedBounceMode:          GuidedBounceModeLearn,
		IterationProgression:      IterationProgressionAutomatic,
		SamplesPerPass:            4,
		LearningRate:              0.01,
	}
}
