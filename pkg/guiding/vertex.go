package guiding

import (
	"github.com/BashPrince/go-path-guiding/pkg/core"
)

// MaxPathVertices bounds the number of recorded vertices per path.
const MaxPathVertices = 32

// GPTVertex buffers the state of one path vertex until the path
// terminates and the collected radiance can be replayed into the tree.
type GPTVertex struct {
	DTree          *DTree
	DTreeVoxelSize core.Vec3
	Point          core.Vec3
	Direction      core.Vec3 // sampled incoming direction at the vertex
	Throughput     core.Vec3 // path throughput up to the vertex
	BSDFValue      core.Vec3
	Radiance       core.Vec3 // radiance accumulated after the vertex
	WiPdf          float32
	BSDFPdf        float32
	DTreePdf       float32
	ProductPdf     float32
	IsDelta        bool
	Method         GuidingMethod
}

// AddRadiance accumulates radiance arriving through this vertex
func (v *GPTVertex) AddRadiance(radiance core.Vec3) {
	v.Radiance = v.Radiance.Add(radiance)
}

// recordToTree converts the buffered vertex into a DTreeRecord and
// splats it. Vertices with invalid radiance or BSDF values are skipped
// whole.
func (v *GPTVertex) recordToTree(tree *STree, sampler core.Sampler) {
	if !v.Radiance.IsFinite() || !v.BSDFValue.IsFinite() {
		return
	}
	if v.Radiance.X < 0 || v.Radiance.Y < 0 || v.Radiance.Z < 0 ||
		v.BSDFValue.X < 0 || v.BSDFValue.Y < 0 || v.BSDFValue.Z < 0 {
		return
	}

	var incoming, product core.Vec3
	for axis := 0; axis < 3; axis++ {
		throughput := v.Throughput.Component(axis)
		rcpFactor := float32(0)
		if throughput != 0 {
			rcpFactor = 1.0 / throughput
		}

		channelIncoming := v.Radiance.Component(axis) * rcpFactor
		incoming.SetComponent(axis, channelIncoming)
		product.SetComponent(axis, channelIncoming*v.BSDFValue.Component(axis))
	}

	rec := DTreeRecord{
		Direction:    v.Direction,
		Radiance:     incoming.Average(),
		WiPdf:        v.WiPdf,
		BSDFPdf:      v.BSDFPdf,
		DTreePdf:     v.DTreePdf,
		ProductPdf:   v.ProductPdf,
		SampleWeight: 1.0,
		Product:      product.Average(),
		IsDelta:      v.IsDelta,
		Method:       v.Method,
	}

	tree.Record(v.DTree, v.Point, v.DTreeVoxelSize, rec, sampler)
}

// GPTVertexPath buffers the vertices of one path. Created at path
// start, appended per bounce and consumed once by RecordToTree at path
// end.
type GPTVertexPath struct {
	vertices [MaxPathVertices]GPTVertex
	index    int
}

// AddVertex appends a vertex while the path is not full
func (p *GPTVertexPath) AddVertex(vertex GPTVertex) {
	if p.index < len(p.vertices) {
		p.vertices[p.index] = vertex
		p.index++
	}
}

// AddRadiance adds radiance to every stored vertex
func (p *GPTVertexPath) AddRadiance(radiance core.Vec3) {
	for i := 0; i < p.index; i++ {
		p.vertices[i].AddRadiance(radiance)
	}
}

// AddIndirectRadiance adds radiance to every stored vertex except the
// last, which observed it directly
func (p *GPTVertexPath) AddIndirectRadiance(radiance core.Vec3) {
	for i := 0; i < p.index-1; i++ {
		p.vertices[i].AddRadiance(radiance)
	}
}

// IsFull reports whether the path can take more vertices
func (p *GPTVertexPath) IsFull() bool {
	return p.index >= len(p.vertices)
}

// Len returns the number of buffered vertices
func (p *GPTVertexPath) Len() int {
	return p.index
}

// RecordToTree replays every buffered vertex into the SD-tree
func (p *GPTVertexPath) RecordToTree(tree *STree, sampler core.Sampler) {
	for i := 0; i < p.index; i++ {
		p.vertices[i].recordToTree(tree, sampler)
	}
}
