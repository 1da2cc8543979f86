package guiding

import (
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"sync"

	"github.com/chewxy/math32"

	"github.com/BashPrince/go-path-guiding/pkg/core"
)

// STreeNode is either a leaf owning one D-tree or an internal node with
// two children split along its axis. The split axis cycles per depth.
type STreeNode struct {
	axis     int
	dtree    *DTree
	children [2]*STreeNode
}

func newSTreeNode(params *Parameters) *STreeNode {
	return &STreeNode{
		axis:  0,
		dtree: NewDTree(params),
	}
}

// newSTreeChild copies the parent's D-tree and halves its sample weight
// so samples collected before the split are diluted, not duplicated.
func newSTreeChild(parentAxis int, parentDTree *DTree) *STreeNode {
	node := &STreeNode{
		axis:  (parentAxis + 1) % 3,
		dtree: newDTreeFrom(parentDTree),
	}
	node.dtree.HalveSampleWeight()
	return node
}

func (n *STreeNode) isLeaf() bool {
	return n.dtree != nil
}

// getDTree descends to the leaf containing the point, halving the voxel
// size along the split axis at every step. Point and size are mutated.
func (n *STreeNode) getDTree(point *core.Vec3, size *core.Vec3) *DTree {
	if n.isLeaf() {
		return n.dtree
	}

	size.SetComponent(n.axis, size.Component(n.axis)*0.5)
	return n.chooseChild(point).getDTree(point, size)
}

// subdivideAll implements Algorithm 3 [Müller et al. 2017]: split every
// leaf whose sample weight exceeds the threshold, then recurse.
func (n *STreeNode) subdivideAll(requiredSamples float32) {
	if n.isLeaf() {
		if n.dtree.SampleWeight() > requiredSamples {
			n.subdivide()
		} else {
			return
		}
	}

	n.children[0].subdivideAll(requiredSamples)
	n.children[1].subdivideAll(requiredSamples)
}

func (n *STreeNode) subdivide() {
	if n.isLeaf() {
		n.children[0] = newSTreeChild(n.axis, n.dtree)
		n.children[1] = newSTreeChild(n.axis, n.dtree)
		n.dtree = nil
	}
}

// record splats a record into every leaf intersecting the splat box,
// weighted by the intersection volume.
func (n *STreeNode) record(splatAABB, nodeAABB core.AABB3, rec DTreeRecord) {
	intersection := splatAABB.Intersect(nodeAABB)

	if !intersection.IsValid() {
		return
	}

	intersectionVolume := intersection.Volume()

	if intersectionVolume <= 0 {
		return
	}

	if n.isLeaf() {
		weighted := rec
		weighted.SampleWeight = rec.SampleWeight * intersectionVolume
		n.dtree.Record(weighted)
		return
	}

	nodeSize := nodeAABB.Extent()
	var offset core.Vec3
	offset.SetComponent(n.axis, nodeSize.Component(n.axis)*0.5)

	n.children[0].record(splatAABB, core.NewAABB3(nodeAABB.Min, nodeAABB.Max.Subtract(offset)), rec)
	n.children[1].record(splatAABB, core.NewAABB3(nodeAABB.Min.Add(offset), nodeAABB.Max), rec)
}

func (n *STreeNode) build() {
	if n.isLeaf() {
		n.dtree.Build()
		return
	}

	n.children[0].build()
	n.children[1].build()
}

func (n *STreeNode) collectDTrees(dtrees *[]*DTree) {
	if n.isLeaf() {
		*dtrees = append(*dtrees, n.dtree)
		return
	}

	n.children[0].collectDTrees(dtrees)
	n.children[1].collectDTrees(dtrees)
}

func (n *STreeNode) chooseChild(point *core.Vec3) *STreeNode {
	if point.Component(n.axis) < 0.5 {
		point.SetComponent(n.axis, point.Component(n.axis)*2.0)
		return n.children[0]
	}

	point.SetComponent(n.axis, (point.Component(n.axis)-0.5)*2.0)
	return n.children[1]
}

func (n *STreeNode) gatherStatistics(stats *DTreeStatistics, depth int) {
	stats.NumSTreeNodes++
	if !n.isLeaf() {
		n.children[0].gatherStatistics(stats, depth+1)
		n.children[1].gatherStatistics(stats, depth+1)
		return
	}

	stats.NumDTrees++

	dtreeDepth := n.dtree.MaxDepth()
	stats.MaxDTreeDepth = max(stats.MaxDTreeDepth, dtreeDepth)
	stats.MinDTreeDepth = min(stats.MinDTreeDepth, dtreeDepth)
	stats.AverageDTreeDepth += float32(dtreeDepth)

	meanRadiance := n.dtree.Mean()
	stats.MaxMeanRadiance = math32.Max(stats.MaxMeanRadiance, meanRadiance)
	stats.MinMeanRadiance = math32.Min(stats.MinMeanRadiance, meanRadiance)
	stats.AverageMeanRadiance += meanRadiance

	nodeCount := n.dtree.NodeCount()
	stats.MaxDTreeNodes = max(stats.MaxDTreeNodes, nodeCount)
	stats.MinDTreeNodes = min(stats.MinDTreeNodes, nodeCount)
	stats.AverageDTreeNodes += float32(nodeCount)

	sampleWeight := n.dtree.SampleWeight()
	stats.MaxSampleWeight = math32.Max(stats.MaxSampleWeight, sampleWeight)
	stats.MinSampleWeight = math32.Min(stats.MinSampleWeight, sampleWeight)
	stats.AverageSampleWeight += sampleWeight

	if n.dtree.ScatteringModeTag() == ScatteringModeGlossy {
		stats.GlossyDTreeFraction += 1.0
	}

	samplingFraction := n.dtree.BSDFSamplingFraction()
	stats.MinSamplingFraction = math32.Min(stats.MinSamplingFraction, samplingFraction)
	stats.MaxSamplingFraction = math32.Max(stats.MaxSamplingFraction, samplingFraction)
	stats.AverageSamplingFraction += samplingFraction

	stats.MaxSTreeDepth = max(stats.MaxSTreeDepth, depth)
	stats.MinSTreeDepth = min(stats.MinSTreeDepth, depth)
	stats.AverageSTreeDepth += float32(depth)
}

func (n *STreeNode) writeTo(w io.Writer, aabb core.AABB3) error {
	if n.isLeaf() {
		if n.dtree.SampleWeight() <= 0 {
			return nil
		}

		extent := aabb.Extent()
		for _, value := range []float32{
			aabb.Min.X, aabb.Min.Y, aabb.Min.Z,
			extent.X, extent.Y, extent.Z,
		} {
			if err := writeBinary(w, value); err != nil {
				return err
			}
		}

		return n.dtree.WriteTo(w)
	}

	halfExtent := 0.5 * aabb.Extent().Component(n.axis)

	childAABB := aabb
	childAABB.Max.SetComponent(n.axis, childAABB.Max.Component(n.axis)-halfExtent)
	if err := n.children[0].writeTo(w, childAABB); err != nil {
		return err
	}

	childAABB.Min.SetComponent(n.axis, childAABB.Min.Component(n.axis)+halfExtent)
	childAABB.Max.SetComponent(n.axis, childAABB.Max.Component(n.axis)+halfExtent)
	return n.children[1].writeTo(w, childAABB)
}

// DTreeStatistics aggregates per-build SD-tree metrics for logging
type DTreeStatistics struct {
	NumDTrees         int
	MinDTreeDepth     int
	MaxDTreeDepth     int
	AverageDTreeDepth float32

	MinDTreeNodes     int
	MaxDTreeNodes     int
	AverageDTreeNodes float32

	MinSampleWeight     float32
	MaxSampleWeight     float32
	AverageSampleWeight float32

	MinSamplingFraction     float32
	MaxSamplingFraction     float32
	AverageSamplingFraction float32

	MinMeanRadiance     float32
	MaxMeanRadiance     float32
	AverageMeanRadiance float32

	GlossyDTreeFraction float32

	NumSTreeNodes     int
	MinSTreeDepth     int
	MaxSTreeDepth     int
	AverageSTreeDepth float32
}

func newDTreeStatistics() DTreeStatistics {
	return DTreeStatistics{
		MinDTreeDepth:       math.MaxInt,
		MinDTreeNodes:       math.MaxInt,
		MinSampleWeight:     math32.MaxFloat32,
		MinSamplingFraction: math32.MaxFloat32,
		MinMeanRadiance:     math32.MaxFloat32,
		MinSTreeDepth:       math.MaxInt,
	}
}

func (s *DTreeStatistics) build() {
	if s.NumDTrees <= 0 {
		return
	}

	count := float32(s.NumDTrees)
	s.AverageDTreeDepth /= count
	s.AverageSTreeDepth /= count
	s.AverageDTreeNodes /= count
	s.AverageMeanRadiance /= count
	s.AverageSampleWeight /= count
	s.GlossyDTreeFraction /= count
	s.AverageSamplingFraction /= count
}

// STree partitions the scene bounding box into spatial leaves each
// holding an independent directional distribution. Topology mutations
// happen only inside Build, which the caller must treat as a barrier:
// no records or samples may be in flight concurrently.
type STree struct {
	params Parameters

	root      *STreeNode
	sceneAABB core.AABB3

	isBuilt          bool
	isFinalIteration bool

	logger core.Logger
}

// NewSTree creates an S-tree over the scene bounding box, grown into a
// cube for even hierarchical subdivisions [Müller et al. 2017].
func NewSTree(sceneAABB core.AABB3, params Parameters, logger core.Logger) *STree {
	tree := &STree{
		params:    params,
		sceneAABB: sceneAABB,
		logger:    logger,
	}
	tree.root = newSTreeNode(&tree.params)

	size := tree.sceneAABB.Extent()
	maxSize := size.MaxComponent()
	tree.sceneAABB.Max = tree.sceneAABB.Min.Add(core.NewVec3(maxSize, maxSize, maxSize))

	return tree
}

// GetDTreeWithSize returns the D-tree covering the point along with the
// size of the leaf voxel.
func (s *STree) GetDTreeWithSize(point core.Vec3) (*DTree, core.Vec3) {
	voxelSize := s.sceneAABB.Extent()
	transformed := point.Subtract(s.sceneAABB.Min)
	transformed = core.NewVec3(
		transformed.X/voxelSize.X,
		transformed.Y/voxelSize.Y,
		transformed.Z/voxelSize.Z)

	dtree := s.root.getDTree(&transformed, &voxelSize)
	return dtree, voxelSize
}

// GetDTree returns the D-tree covering the point
func (s *STree) GetDTree(point core.Vec3) *DTree {
	dtree, _ := s.GetDTreeWithSize(point)
	return dtree
}

// Record splats a record into the tree with the configured spatial
// filter. The caller passes the D-tree and voxel size obtained at the
// shading point.
func (s *STree) Record(dtree *DTree, point core.Vec3, voxelSize core.Vec3, rec DTreeRecord, sampler core.Sampler) {
	if !validRecord(rec) {
		return
	}

	switch s.params.SpatialFilter {
	case SpatialFilterNearest:
		dtree.Record(rec)

	case SpatialFilterStochastic:
		// Jitter the position of the record within its voxel.
		u := sampler.Get2D()
		v := sampler.Get1D()
		offset := voxelSize.MultiplyVec(core.NewVec3(u.X-0.5, u.Y-0.5, v-0.5))
		jittered := s.sceneAABB.ClampPoint(point.Add(offset))

		s.GetDTree(jittered).Record(rec)

	case SpatialFilterBox:
		s.boxFilterSplat(point, voxelSize, rec)
	}
}

func validRecord(rec DTreeRecord) bool {
	return !math32.IsNaN(rec.Radiance) && !math32.IsInf(rec.Radiance, 0) && rec.Radiance >= 0 &&
		!math32.IsNaN(rec.Product) && !math32.IsInf(rec.Product, 0) && rec.Product >= 0 &&
		!math32.IsNaN(rec.SampleWeight) && !math32.IsInf(rec.SampleWeight, 0) && rec.SampleWeight >= 0
}

// boxFilterSplat distributes a record over every leaf intersecting a
// voxel-sized box around the point. The sample weight is normalized by
// the splat volume; per-leaf weights are the intersection volumes.
func (s *STree) boxFilterSplat(point core.Vec3, voxelSize core.Vec3, rec DTreeRecord) {
	halfSize := voxelSize.Multiply(0.5)
	splatAABB := core.NewAABB3(point.Subtract(halfSize), point.Add(halfSize))

	volume := splatAABB.Volume()
	if !splatAABB.IsValid() || volume <= 0 {
		return
	}

	rec.SampleWeight /= volume
	s.root.record(splatAABB, s.sceneAABB, rec)
}

// Build rebuilds radiance sums, subdivides the spatial tree and
// restructures every D-tree on a worker pool. Must run between passes
// with no concurrent records or samples.
func (s *STree) Build(iteration int) {
	// Build D-tree radiance and sample weight sums first.
	s.root.build()

	requiredSamples := float32(SpatialSubdivisionThreshold) * math32.Pow(2.0, float32(iteration)*0.5)

	// First refine the S-tree, then refine the D-tree at each spatial leaf.
	s.root.subdivideAll(requiredSamples)

	s.restructureDTrees()

	stats := newDTreeStatistics()
	s.root.gatherStatistics(&stats, 1)
	stats.build()

	if s.logger != nil {
		s.logger.Printf(
			"SD-tree statistics: [min, max, avg]\n"+
				"S-tree:\n"+
				"  node count             = %d\n"+
				"  depth                  = [%d, %d, %.2f]\n"+
				"D-tree:\n"+
				"  tree count             = %d\n"+
				"  node count             = [%d, %d, %.1f]\n"+
				"  depth                  = [%d, %d, %.2f]\n"+
				"  mean radiance          = [%.3f, %.3f, %.3f]\n"+
				"  sample weight          = [%.3f, %.3f, %.3f]\n"+
				"  bsdf sampling fraction = [%.3f, %.3f, %.3f]\n"+
				"  glossy fraction        = %.3f\n",
			stats.NumSTreeNodes,
			stats.MinSTreeDepth, stats.MaxSTreeDepth, stats.AverageSTreeDepth,
			stats.NumDTrees,
			stats.MinDTreeNodes, stats.MaxDTreeNodes, stats.AverageDTreeNodes,
			stats.MinDTreeDepth, stats.MaxDTreeDepth, stats.AverageDTreeDepth,
			stats.MinMeanRadiance, stats.MaxMeanRadiance, stats.AverageMeanRadiance,
			stats.MinSampleWeight, stats.MaxSampleWeight, stats.AverageSampleWeight,
			stats.MinSamplingFraction, stats.MaxSamplingFraction, stats.AverageSamplingFraction,
			stats.GlossyDTreeFraction)
	}

	s.isBuilt = true
}

// restructureDTrees runs one restructure job per D-tree leaf across a
// pool of workers and waits for completion.
func (s *STree) restructureDTrees() {
	var dtrees []*DTree
	s.root.collectDTrees(&dtrees)

	jobs := make(chan *DTree, len(dtrees))
	for _, dtree := range dtrees {
		jobs <- dtree
	}
	close(jobs)

	numWorkers := min(runtime.NumCPU(), len(dtrees))

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dtree := range jobs {
				dtree.Restructure(DTreeThreshold)
			}
		}()
	}
	wg.Wait()
}

// Statistics gathers the current SD-tree metrics
func (s *STree) Statistics() DTreeStatistics {
	stats := newDTreeStatistics()
	s.root.gatherStatistics(&stats, 1)
	stats.build()
	return stats
}

// IsBuilt reports whether Build has completed at least once
func (s *STree) IsBuilt() bool {
	return s.isBuilt
}

// StartFinalIteration marks the tree as frozen for the final iteration
func (s *STree) StartFinalIteration() {
	s.isFinalIteration = true
}

// IsFinalIteration reports whether the final iteration has started
func (s *STree) IsFinalIteration() bool {
	return s.isFinalIteration
}

// SceneAABB returns the cube-grown scene bounding box
func (s *STree) SceneAABB() core.AABB3 {
	return s.sceneAABB
}

// WriteSnapshot serializes the tree for the external visualizer
func (s *STree) WriteSnapshot(w io.Writer, cameraMatrix core.Mat4) error {
	// Rotate 180 degrees around y to conform to the visualizer tool's
	// z-axis convention.
	cameraMatrix = core.Mat4Mul(cameraMatrix, core.Mat4RotationY(math32.Pi))

	for _, value := range cameraMatrix {
		if err := writeBinary(w, value); err != nil {
			return err
		}
	}

	return s.root.writeTo(w, s.sceneAABB)
}

// WriteToDisk writes a snapshot to the configured save path, optionally
// suffixed with the iteration number. Failures are logged, not fatal.
func (s *STree) WriteToDisk(cameraMatrix core.Mat4, iteration int, appendIteration bool) {
	if s.params.SavePath == "" {
		return
	}

	filePath := s.params.SavePath
	if appendIteration {
		const extension = ".sdt"
		base := filePath
		if len(base) >= len(extension) && base[len(base)-len(extension):] == extension {
			base = base[:len(base)-len(extension)]
		}
		filePath = fmt.Sprintf("%s-%02d%s", base, iteration, extension)
	}

	file, err := os.Create(filePath)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("could not open file %q for writing: %v\n", filePath, err)
		}
		return
	}
	defer file.Close()

	if err := s.WriteSnapshot(file, cameraMatrix); err != nil && s.logger != nil {
		s.logger.Printf("could not write SD-tree snapshot to %q: %v\n", filePath, err)
	}
}
