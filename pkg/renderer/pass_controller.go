package renderer

import (
	"math"

	"github.com/BashPrince/go-path-guiding/pkg/core"
	"github.com/BashPrince/go-path-guiding/pkg/guiding"
)

// imageBufferCapacity bounds the ring of stashed iteration images used
// for inverse-variance combination.
const imageBufferCapacity = 4

// AbortSwitch lets the host interrupt rendering between passes
type AbortSwitch interface {
	IsAborted() bool
}

// PassController schedules training and rendering passes: iterations
// double in length, the framebuffer is cleared and the SD-tree rebuilt
// between iterations, and a rising extrapolated variance triggers the
// final iteration which absorbs the remaining sample budget.
type PassController struct {
	params guiding.Parameters
	sdTree *guiding.STree

	framebuffer *VarianceBuffer
	logger      core.Logger

	iter               int
	passesRendered     int
	passesLeftCurrIter int
	passesInCurrIter   int
	remainingPasses    int
	maxPasses          int

	lastExtrapolatedVariance float32
	isFinalIter              bool
	varIncrease              bool

	imageBuffer           []*Image
	inverseVarianceBuffer []float32
}

// NewPassController creates a controller for the given sample budget.
// maxPasses caps the pass count regardless of budget.
func NewPassController(
	params guiding.Parameters,
	sdTree *guiding.STree,
	sampleBudget int,
	maxPasses int,
	logger core.Logger,
) *PassController {
	passes := sampleBudget / params.SamplesPerPass
	if passes > maxPasses {
		passes = maxPasses
	}

	return &PassController{
		params:                   params,
		sdTree:                   sdTree,
		logger:                   logger,
		maxPasses:                passes,
		remainingPasses:          passes,
		lastExtrapolatedVariance: float32(math.Inf(1)),
	}
}

// SetFramebuffer attaches the variance-tracking framebuffer
func (pc *PassController) SetFramebuffer(framebuffer *VarianceBuffer) {
	pc.framebuffer = framebuffer
}

// OnPassBegin prepares the next pass. At iteration boundaries it sizes
// the new iteration, possibly absorbs the remaining budget into a final
// iteration, and rebuilds the SD-tree.
func (pc *PassController) OnPassBegin() {
	if pc.passesLeftCurrIter > 0 {
		return
	}

	// New iteration.
	pc.passesInCurrIter = min(1<<pc.iter, pc.remainingPasses)
	pc.passesLeftCurrIter = pc.passesInCurrIter

	if pc.isFinalIter || pc.remainingPasses-pc.passesLeftCurrIter < 2*pc.passesLeftCurrIter {
		pc.passesLeftCurrIter = pc.remainingPasses
		pc.passesInCurrIter = pc.remainingPasses
		pc.isFinalIter = true
		pc.sdTree.StartFinalIteration()
	}

	if !pc.varIncrease && pc.iter > 0 {
		// Clear the frame and build the tree.
		pc.framebuffer.Clear()
		pc.sdTree.Build(pc.iter)
	}

	pc.iter++
}

// OnPassEnd accounts for a finished pass. Returns true when rendering is
// complete, either because the budget is exhausted or the abort switch
// was tripped.
func (pc *PassController) OnPassEnd(frame *Image, abort AbortSwitch) bool {
	pc.passesRendered++
	pc.passesLeftCurrIter--
	pc.remainingPasses--

	if pc.passesRendered >= pc.maxPasses || (abort != nil && abort.IsAborted()) {
		variance := pc.framebuffer.Variance()
		pc.logf("final iteration variance estimate: %.7g\n", variance)

		if pc.params.IterationProgression == guiding.IterationProgressionCombine {
			pc.imageToBuffer(frame, 1.0/variance)
			pc.combineIterations(frame)
		}

		return true
	}

	if pc.passesLeftCurrIter == 0 {
		// Update the variance projection.
		remainingAtIterStart := pc.remainingPasses + pc.passesInCurrIter
		samplesRendered := pc.passesRendered * pc.params.SamplesPerPass
		variance := pc.framebuffer.Variance()
		extrapolatedVariance := variance * float32(pc.passesInCurrIter) / float32(remainingAtIterStart)

		pc.logf("variance: %.7g\n", variance)
		pc.logf("extrapolated variance: previous %.7g, current %.7g\n",
			pc.lastExtrapolatedVariance, extrapolatedVariance)

		if pc.params.IterationProgression == guiding.IterationProgressionAutomatic &&
			samplesRendered > 256 &&
			extrapolatedVariance > pc.lastExtrapolatedVariance {
			pc.logf("extrapolated variance is increasing, initiating final iteration\n")
			pc.varIncrease = true
			pc.isFinalIter = true
		}

		pc.lastExtrapolatedVariance = extrapolatedVariance

		if pc.params.IterationProgression == guiding.IterationProgressionCombine {
			pc.imageToBuffer(frame, 1.0/variance)
		}
	}

	return false
}

// Iteration returns the number of started iterations
func (pc *PassController) Iteration() int {
	return pc.iter
}

// PassesRendered returns the number of completed passes
func (pc *PassController) PassesRendered() int {
	return pc.passesRendered
}

// IsFinalIteration reports whether the final iteration has started
func (pc *PassController) IsFinalIteration() bool {
	return pc.isFinalIter
}

// imageToBuffer stashes a copy of the iteration image with its inverse
// variance weight, keeping only the most recent images.
func (pc *PassController) imageToBuffer(frame *Image, inverseVariance float32) {
	if len(pc.imageBuffer) == imageBufferCapacity {
		pc.imageBuffer = pc.imageBuffer[1:]
		pc.inverseVarianceBuffer = pc.inverseVarianceBuffer[1:]
	}
	pc.imageBuffer = append(pc.imageBuffer, frame.Clone())
	pc.inverseVarianceBuffer = append(pc.inverseVarianceBuffer, inverseVariance)
}

// combineIterations overwrites the frame with the stashed iteration
// images blended by normalized inverse variance.
func (pc *PassController) combineIterations(frame *Image) {
	totalInverseVariance := float32(0)
	for _, inverseVariance := range pc.inverseVarianceBuffer {
		totalInverseVariance += inverseVariance
	}
	if totalInverseVariance <= 0 {
		return
	}

	for y := 0; y < frame.Height(); y++ {
		for x := 0; x < frame.Width(); x++ {
			var combined [4]float32

			for i, img := range pc.imageBuffer {
				weight := pc.inverseVarianceBuffer[i] / totalInverseVariance
				pixel := img.GetPixel(x, y)
				for c := 0; c < 4; c++ {
					combined[c] += pixel[c] * weight
				}
			}

			frame.SetPixel(x, y, combined)
		}
	}
}

func (pc *PassController) logf(format string, args ...interface{}) {
	if pc.logger != nil {
		pc.logger.Printf(format, args...)
	}
}
