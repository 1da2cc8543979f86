package guiding

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/BashPrince/go-path-guiding/pkg/core"
)

func TestQuadTreeConcurrentRecord(t *testing.T) {
	// Concurrent nearest-filter records must accumulate exactly, order
	// independent: integer-valued float32 sums below 2^24 are exact.
	root := newQuadTreeNode(true, 0)

	const numWorkers = 8
	const recordsPerWorker = 10000

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			random := rand.New(rand.NewSource(seed))
			for i := 0; i < recordsPerWorker; i++ {
				direction := core.NewVec2(float32(random.Float64()), float32(random.Float64()))
				root.recordNearest(&direction, 1.0)
			}
		}(int64(w + 1))
	}
	wg.Wait()

	total := root.buildSums()
	expected := float32(numWorkers * recordsPerWorker)
	if total != expected {
		t.Errorf("expected total sum %f, got %f", expected, total)
	}
}

func TestQuadTreeRestructureCriterion(t *testing.T) {
	// After restructure, every leaf holds at most the threshold fraction
	// of the total energy unless it sits at maximum depth.
	root := newQuadTreeNode(true, 0)
	random := rand.New(rand.NewSource(42))

	// Concentrate energy in a small directional region to force deep
	// subdivision.
	for i := 0; i < 50000; i++ {
		direction := core.NewVec2(
			0.1+0.05*float32(random.Float64()),
			0.1+0.05*float32(random.Float64()))
		root.recordNearest(&direction, 1.0)
	}

	// Refine over several iterations like the pass controller does.
	for iter := 0; iter < 6; iter++ {
		total := root.buildSums()
		root.restructure(total, DTreeThreshold, nil, 1)

		random = rand.New(rand.NewSource(int64(iter)))
		for i := 0; i < 50000; i++ {
			direction := core.NewVec2(
				0.1+0.05*float32(random.Float64()),
				0.1+0.05*float32(random.Float64()))
			root.recordNearest(&direction, 1.0)
		}
	}

	total := root.buildSums()
	root.restructure(total, DTreeThreshold, nil, 1)

	verifyLeafFractions(t, root, total, 1)
}

func verifyLeafFractions(t *testing.T, n *QuadTreeNode, total float32, depth int) {
	t.Helper()

	if n.isLeaf {
		fraction := n.previousSum / total
		if fraction > DTreeThreshold && depth < DTreeMaxDepth {
			t.Errorf("leaf at depth %d holds fraction %f > %f", depth, fraction, float32(DTreeThreshold))
		}
		return
	}

	for _, child := range n.children {
		verifyLeafFractions(t, child, total, depth+1)
	}
}

func TestQuadTreeSamplePdfConsistency(t *testing.T) {
	root := newQuadTreeNode(true, 0)
	random := rand.New(rand.NewSource(7))

	// Skewed distribution across two hot regions.
	for i := 0; i < 20000; i++ {
		direction := core.NewVec2(
			0.2*float32(random.Float64()),
			0.2*float32(random.Float64()))
		root.recordNearest(&direction, 2.0)
	}
	for i := 0; i < 20000; i++ {
		direction := core.NewVec2(
			0.7+0.2*float32(random.Float64()),
			0.7+0.2*float32(random.Float64()))
		root.recordNearest(&direction, 0.5)
	}

	total := root.buildSums()
	root.restructure(total, DTreeThreshold, nil, 1)

	mismatches := 0
	const numProbes = 2000
	for i := 0; i < numProbes; i++ {
		u := core.NewVec2(float32(random.Float64()), float32(random.Float64()))
		point, samplePdf := root.sample(u)
		queryPdf := root.pdf(point)

		relDiff := math.Abs(float64(samplePdf-queryPdf)) / float64(queryPdf)
		if relDiff > 1e-3 {
			mismatches++
		}
	}

	// Samples landing exactly on cell boundaries may descend into a
	// different leaf on requery; allow a small fraction.
	if mismatches > numProbes/100 {
		t.Errorf("%d/%d sample/pdf mismatches", mismatches, numProbes)
	}
}

func TestQuadTreeSampleNormalization(t *testing.T) {
	root := newQuadTreeNode(true, 0)
	random := rand.New(rand.NewSource(13))

	for i := 0; i < 30000; i++ {
		direction := core.NewVec2(float32(random.Float64()), float32(random.Float64()))
		root.recordNearest(&direction, float32(random.Float64()))
	}

	total := root.buildSums()
	root.restructure(total, DTreeThreshold, nil, 1)

	// Monte Carlo estimate of the square pdf integral.
	integral := 0.0
	const numProbes = 100000
	for i := 0; i < numProbes; i++ {
		point := core.NewVec2(float32(random.Float64()), float32(random.Float64()))
		integral += float64(root.pdf(point))
	}
	integral /= numProbes

	if math.Abs(integral-1.0) > 0.02 {
		t.Errorf("pdf integral over the unit square is %f, expected 1", integral)
	}
}

func TestQuadTreeBoxRecord(t *testing.T) {
	root := newQuadTreeNode(true, 0)

	// A unit-square splat of normalized radiance deposits its full
	// energy across the leaves.
	splat := core.NewAABB2(core.NewVec2(0, 0), core.NewVec2(1, 1))
	node := core.NewAABB2(core.NewVec2(0, 0), core.NewVec2(1, 1))
	root.recordBox(splat, node, 8.0)

	total := root.buildSums()
	if math.Abs(float64(total-8.0)) > 1e-4 {
		t.Errorf("expected total 8, got %f", total)
	}

	// A splat confined to one quadrant only touches that quadrant.
	root.reset()
	splat = core.NewAABB2(core.NewVec2(0.6, 0.6), core.NewVec2(0.9, 0.9))
	root.recordBox(splat, node, 1.0/splat.Volume())

	root.buildSums()
	if root.children[upperLeft].previousSum != 0 {
		t.Errorf("upper-left quadrant should be empty, got %f", root.children[upperLeft].previousSum)
	}
	if math.Abs(float64(root.children[lowerRight].previousSum-1.0)) > 1e-4 {
		t.Errorf("lower-right quadrant should hold the whole splat, got %f", root.children[lowerRight].previousSum)
	}
}

func TestQuadTreeInternalSumInvariant(t *testing.T) {
	root := newQuadTreeNode(true, 0)
	random := rand.New(rand.NewSource(3))

	for i := 0; i < 10000; i++ {
		direction := core.NewVec2(float32(random.Float64()), float32(random.Float64()))
		root.recordNearest(&direction, float32(random.Float64()))
	}

	total := root.buildSums()
	root.restructure(total, DTreeThreshold, nil, 1)

	for i := 0; i < 5000; i++ {
		direction := core.NewVec2(float32(random.Float64()), float32(random.Float64()))
		root.recordNearest(&direction, float32(random.Float64()))
	}
	root.buildSums()

	verifyInternalSums(t, root)
}

func verifyInternalSums(t *testing.T, n *QuadTreeNode) {
	t.Helper()

	if n.isLeaf {
		return
	}

	childSum := float32(0)
	for _, child := range n.children {
		childSum += child.previousSum
	}

	if math.Abs(float64(n.previousSum-childSum)) > 1e-3*math.Max(1, float64(childSum)) {
		t.Errorf("internal sum %f does not match child total %f", n.previousSum, childSum)
	}

	for _, child := range n.children {
		verifyInternalSums(t, child)
	}
}

func TestQuadTreeRestructureCollapsesColdNodes(t *testing.T) {
	root := newQuadTreeNode(true, 0)

	// Subdivide the cold quadrant up front so restructure has to
	// collapse it.
	root.children[lowerRight] = newQuadTreeNode(true, 0)

	// Energy concentrated in the upper-left quadrant.
	for i := 0; i < 1000; i++ {
		direction := core.NewVec2(0.1, 0.1)
		root.recordNearest(&direction, 1.0)
	}

	total := root.buildSums()
	root.restructure(total, DTreeThreshold, nil, 1)

	if !root.children[lowerRight].isLeaf {
		t.Error("cold quadrant should have collapsed to a leaf")
	}
	if root.children[upperLeft].isLeaf {
		t.Error("hot quadrant should have been subdivided")
	}
}
