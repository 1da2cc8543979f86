package guiding

import (
	"sort"

	"github.com/chewxy/math32"

	"github.com/BashPrince/go-path-guiding/pkg/core"
)

// Child order over the unit square. The first coordinate of the
// cylindrical parameterization increases to the "right", the second
// downwards.
const (
	upperLeft = iota
	upperRight
	lowerRight
	lowerLeft
)

// visualizerNode is the flattened node layout of the SD-tree visualizer
// [Müller et al. 2017].
type visualizerNode struct {
	sums     [4]float32
	children [4]uint16
}

// energyRatio pairs a node's area fraction with its energy fraction,
// used to classify D-trees as glossy or diffuse.
type energyRatio struct {
	area   float32
	energy float32
}

// QuadTreeNode is a node of the adaptive directional quad-tree over the
// cylindrically mapped unit square. Leaves accumulate radiance into an
// atomic sum for the in-progress iteration while sampling reads the
// frozen sum of the previous iteration.
type QuadTreeNode struct {
	children    [4]*QuadTreeNode
	isLeaf      bool
	currentSum  atomicFloat32
	previousSum float32
}

func newQuadTreeNode(createChildren bool, radianceSum float32) *QuadTreeNode {
	node := &QuadTreeNode{
		isLeaf:      !createChildren,
		previousSum: radianceSum,
	}
	node.currentSum.Store(radianceSum)

	if createChildren {
		for i := range node.children {
			node.children[i] = newQuadTreeNode(false, 0)
		}
	}
	return node
}

// clone deep-copies the node. Used when an S-tree leaf splits and the
// child D-trees inherit the parent's directional distribution.
func (n *QuadTreeNode) clone() *QuadTreeNode {
	node := &QuadTreeNode{
		isLeaf:      n.isLeaf,
		previousSum: n.previousSum,
	}
	node.currentSum.Store(n.currentSum.Load())

	if !n.isLeaf {
		for i := range n.children {
			node.children[i] = n.children[i].clone()
		}
	}
	return node
}

// recordNearest descends to the leaf containing the direction and
// atomically adds the radiance. The direction is renormalized in place
// at every level.
func (n *QuadTreeNode) recordNearest(direction *core.Vec2, radiance float32) {
	if n.isLeaf {
		n.currentSum.Add(radiance)
	} else {
		n.chooseChild(direction).recordNearest(direction, radiance)
	}
}

// recordBox splats the radiance over every leaf intersecting the splat
// box, weighted by the intersection area.
func (n *QuadTreeNode) recordBox(splatAABB, nodeAABB core.AABB2, radiance float32) {
	intersection := splatAABB.Intersect(nodeAABB)

	if !intersection.IsValid() {
		return
	}

	intersectionVolume := intersection.Volume()

	if intersectionVolume <= 0 {
		return
	}

	if n.isLeaf {
		n.currentSum.Add(radiance * intersectionVolume)
		return
	}

	halfSize := nodeAABB.Extent().Multiply(0.5)

	childAABB := core.NewAABB2(nodeAABB.Min, nodeAABB.Min.Add(halfSize))
	n.children[upperLeft].recordBox(splatAABB, childAABB, radiance)

	childAABB = core.NewAABB2(
		nodeAABB.Min.Add(core.NewVec2(halfSize.X, 0)),
		nodeAABB.Min.Add(core.NewVec2(halfSize.X*2, halfSize.Y)))
	n.children[upperRight].recordBox(splatAABB, childAABB, radiance)

	childAABB = core.NewAABB2(
		nodeAABB.Min.Add(halfSize),
		nodeAABB.Max)
	n.children[lowerRight].recordBox(splatAABB, childAABB, radiance)

	childAABB = core.NewAABB2(
		nodeAABB.Min.Add(core.NewVec2(0, halfSize.Y)),
		nodeAABB.Min.Add(core.NewVec2(halfSize.X, halfSize.Y*2)))
	n.children[lowerLeft].recordBox(splatAABB, childAABB, radiance)
}

func (n *QuadTreeNode) maxDepth() int {
	if n.isLeaf {
		return 1
	}

	maxChildDepth := 0
	for _, child := range n.children {
		maxChildDepth = max(maxChildDepth, child.maxDepth())
	}
	return 1 + maxChildDepth
}

func (n *QuadTreeNode) nodeCount() int {
	if n.isLeaf {
		return 1
	}

	count := 1
	for _, child := range n.children {
		count += child.nodeCount()
	}
	return count
}

func (n *QuadTreeNode) radianceSum() float32 {
	return n.previousSum
}

// buildSums publishes the in-progress sums into the frozen sums read by
// sampling. Loads are relaxed; the pass barrier provides publication.
func (n *QuadTreeNode) buildSums() float32 {
	if n.isLeaf {
		n.previousSum = n.currentSum.Load()
		return n.previousSum
	}

	n.previousSum = 0
	for _, child := range n.children {
		n.previousSum += child.buildSums()
	}
	return n.previousSum
}

// restructure implements Algorithm 4 in the Practical Path Guiding
// complementary PDF [Müller et al. 2017]: subdivide nodes holding more
// than the threshold fraction of the total energy, collapse the rest.
// When energyRatios is non-nil, the (area fraction, energy fraction)
// pair of every internal node whose upper-left child became a leaf is
// inserted in ascending order for scattering mode classification.
func (n *QuadTreeNode) restructure(totalSum, threshold float32, energyRatios *[]energyRatio, depth int) {
	fraction := n.previousSum / totalSum

	if fraction > threshold && depth < DTreeMaxDepth {
		if n.isLeaf {
			n.isLeaf = false
			quarterSum := 0.25 * n.previousSum
			for i := range n.children {
				n.children[i] = newQuadTreeNode(false, quarterSum)
			}
		}

		for _, child := range n.children {
			child.restructure(totalSum, threshold, energyRatios, depth+1)
		}
	} else if !n.isLeaf {
		// The subdivision criterion no longer holds, revert to a leaf.
		n.isLeaf = true
		n.children = [4]*QuadTreeNode{}
	}

	if energyRatios != nil && !n.isLeaf && n.children[upperLeft].isLeaf {
		ratio := energyRatio{
			area:   math32.Pow(0.25, float32(depth-1)),
			energy: 4.0 * n.children[upperLeft].radianceSum() / totalSum,
		}
		insertEnergyRatio(energyRatios, ratio)
	}

	n.currentSum.Store(0)
}

func insertEnergyRatio(ratios *[]energyRatio, ratio energyRatio) {
	pos := sort.Search(len(*ratios), func(i int) bool {
		other := (*ratios)[i]
		if other.area != ratio.area {
			return other.area >= ratio.area
		}
		return other.energy >= ratio.energy
	})

	*ratios = append(*ratios, energyRatio{})
	copy((*ratios)[pos+1:], (*ratios)[pos:])
	(*ratios)[pos] = ratio
}

// reset restores the node to a freshly subdivided empty root
func (n *QuadTreeNode) reset() {
	for i := range n.children {
		n.children[i] = newQuadTreeNode(false, 0)
	}

	n.isLeaf = false
	n.currentSum.Store(0)
	n.previousSum = 0
}

// pdf returns the density over the cylindrical unit square, implementing
// Algorithm 2 [Müller et al. 2017]. The direction is consumed.
func (n *QuadTreeNode) pdf(direction core.Vec2) float32 {
	return n.pdfRecursive(&direction) / n.previousSum
}

func (n *QuadTreeNode) pdfRecursive(direction *core.Vec2) float32 {
	if n.isLeaf {
		return n.previousSum
	}

	return 4.0 * n.chooseChild(direction).pdfRecursive(direction)
}

// sample draws a point on the unit square with density proportional to
// the stored radiance, implementing Algorithm 1 [Müller et al. 2017].
// The returned pdf is over the cylindrical square.
func (n *QuadTreeNode) sample(u core.Vec2) (core.Vec2, float32) {
	pdf := 1.0 / n.previousSum
	direction := n.sampleRecursive(&u, &pdf)
	return direction, pdf
}

func (n *QuadTreeNode) sampleRecursive(u *core.Vec2, pdf *float32) core.Vec2 {
	// Ensure each sample dimension is < 1.0 after renormalization in the
	// previous recursive step.
	if u.X >= 1.0 {
		u.X = math32.Nextafter(1.0, 0.0)
	}
	if u.Y >= 1.0 {
		u.Y = math32.Nextafter(1.0, 0.0)
	}

	if n.isLeaf {
		*pdf *= n.previousSum
		return *u
	}

	sumLeftHalf := n.children[upperLeft].previousSum + n.children[lowerLeft].previousSum
	sumRightHalf := n.children[upperRight].previousSum + n.children[lowerRight].previousSum

	factor := sumLeftHalf / n.previousSum

	*pdf *= 4.0

	// Sample child nodes with probability proportional to their energy.
	if u.X < factor {
		u.X /= factor
		factor = n.children[upperLeft].previousSum / sumLeftHalf

		if u.Y < factor {
			u.Y /= factor
			return n.children[upperLeft].sampleRecursive(u, pdf).Multiply(0.5)
		}

		u.Y = (u.Y - factor) / (1.0 - factor)
		return core.NewVec2(0.0, 0.5).Add(n.children[lowerLeft].sampleRecursive(u, pdf).Multiply(0.5))
	}

	u.X = (u.X - factor) / (1.0 - factor)
	factor = n.children[upperRight].previousSum / sumRightHalf

	if u.Y < factor {
		u.Y /= factor
		return core.NewVec2(0.5, 0.0).Add(n.children[upperRight].sampleRecursive(u, pdf).Multiply(0.5))
	}

	u.Y = (u.Y - factor) / (1.0 - factor)
	return core.NewVec2(0.5, 0.5).Add(n.children[lowerRight].sampleRecursive(u, pdf).Multiply(0.5))
}

// depth returns the depth of the leaf containing the direction
func (n *QuadTreeNode) depth(direction *core.Vec2) int {
	if n.isLeaf {
		return 1
	}

	return 1 + n.chooseChild(direction).depth(direction)
}

// chooseChild selects the child containing the direction and
// renormalizes the direction to the child's unit square.
func (n *QuadTreeNode) chooseChild(direction *core.Vec2) *QuadTreeNode {
	if direction.X < 0.5 {
		direction.X *= 2.0
		if direction.Y < 0.5 {
			direction.Y *= 2.0
			return n.children[upperLeft]
		}
		direction.Y = direction.Y*2.0 - 1.0
		return n.children[lowerLeft]
	}

	direction.X = direction.X*2.0 - 1.0
	if direction.Y < 0.5 {
		direction.Y *= 2.0
		return n.children[upperRight]
	}
	direction.Y = direction.Y*2.0 - 1.0
	return n.children[lowerRight]
}

// radiance returns the density-scaled radiance at the direction
func (n *QuadTreeNode) radiance(direction *core.Vec2) float32 {
	if n.isLeaf {
		return n.previousSum
	}

	return 4.0 * n.chooseChild(direction).radiance(direction)
}

// flatten appends the subtree rooted at this internal node in the
// visualizer's node layout: per child, the frozen sum and the index of
// the child's own flattened node, or 0 for leaves.
func (n *QuadTreeNode) flatten(nodes *[]visualizerNode) {
	*nodes = append(*nodes, visualizerNode{})
	index := len(*nodes) - 1

	// The visualizer stores children in upper-left, upper-right,
	// lower-left, lower-right order.
	for i, child := range [4]*QuadTreeNode{
		n.children[upperLeft],
		n.children[upperRight],
		n.children[lowerLeft],
		n.children[lowerRight],
	} {
		(*nodes)[index].sums[i] = child.previousSum
		if child.isLeaf {
			(*nodes)[index].children[i] = 0
		} else {
			next := uint16(len(*nodes))
			child.flatten(nodes)
			(*nodes)[index].children[i] = next
		}
	}
}

// buildRadianceProxy rasterizes the subtree into the proxy map. Nodes at
// the cut level (or coarser leaves) emit a constant value over their
// pixel footprint; deeper subtrees are anchored through a back-pointer
// so sub-pixel sampling re-enters the quad-tree.
func (n *QuadTreeNode) buildRadianceProxy(
	proxy *RadianceProxy,
	radianceFactor float32,
	endLevel int,
	originX, originY int,
	depth int,
) {
	if depth == endLevel || n.isLeaf {
		width := 1
		pixelX, pixelY := originX, originY

		for i := depth; i < endLevel; i++ {
			width *= 2
			pixelX *= 2
			pixelY *= 2
		}

		radiance := radianceFactor * n.previousSum

		for y := 0; y < width; y++ {
			for x := 0; x < width; x++ {
				pixelIndex := (pixelY+y)*ProxyWidth + pixelX + x
				proxy.mapData[pixelIndex] = radiance

				if n.isLeaf {
					proxy.strata[pixelIndex] = nil
				} else {
					proxy.strata[pixelIndex] = n
				}
			}
		}
		return
	}

	n.children[upperLeft].buildRadianceProxy(proxy, radianceFactor*4.0, endLevel, 2*originX, 2*originY, depth+1)
	n.children[upperRight].buildRadianceProxy(proxy, radianceFactor*4.0, endLevel, 2*originX+1, 2*originY, depth+1)
	n.children[lowerLeft].buildRadianceProxy(proxy, radianceFactor*4.0, endLevel, 2*originX, 2*originY+1, depth+1)
	n.children[lowerRight].buildRadianceProxy(proxy, radianceFactor*4.0, endLevel, 2*originX+1, 2*originY+1, depth+1)
}
