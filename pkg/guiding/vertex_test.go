package guiding

import (
	"math"
	"math/rand"
	"testing"

	"github.com/BashPrince/go-path-guiding/pkg/core"
)

func TestVertexPathRecordsToTree(t *testing.T) {
	params := DefaultParameters()
	stree := NewSTree(unitBox(), params, nil)
	sampler := core.NewRandomSampler(rand.New(rand.NewSource(42)))

	point := core.NewVec3(0.5, 0.5, 0.5)
	dtree, voxelSize := stree.GetDTreeWithSize(point)

	var path GPTVertexPath
	path.AddVertex(GPTVertex{
		DTree:          dtree,
		DTreeVoxelSize: voxelSize,
		Point:          point,
		Direction:      core.NewVec3(0, 0, 1),
		Throughput:     core.NewVec3(0.5, 0.5, 0.5),
		BSDFValue:      core.NewVec3(0.25, 0.25, 0.25),
		WiPdf:          1.0,
	})

	path.AddRadiance(core.NewVec3(1, 1, 1))
	path.RecordToTree(stree, sampler)

	if weight := dtree.SampleWeight(); math.Abs(float64(weight-1.0)) > 1e-6 {
		t.Errorf("expected sample weight 1, got %f", weight)
	}

	dtree.Build()

	// incoming = radiance / throughput = 2, splatted as radiance/wiPdf.
	if sum := dtree.root.radianceSum(); math.Abs(float64(sum-2.0)) > 1e-5 {
		t.Errorf("expected radiance sum 2, got %f", sum)
	}
}

func TestVertexPathSkipsInvalidVertices(t *testing.T) {
	params := DefaultParameters()
	stree := NewSTree(unitBox(), params, nil)
	sampler := core.NewRandomSampler(rand.New(rand.NewSource(42)))

	point := core.NewVec3(0.5, 0.5, 0.5)
	dtree, voxelSize := stree.GetDTreeWithSize(point)

	invalid := []core.Vec3{
		core.NewVec3(float32(math.NaN()), 1, 1),
		core.NewVec3(float32(math.Inf(1)), 1, 1),
		core.NewVec3(-1, 1, 1),
	}

	for _, radiance := range invalid {
		var path GPTVertexPath
		path.AddVertex(GPTVertex{
			DTree:          dtree,
			DTreeVoxelSize: voxelSize,
			Point:          point,
			Direction:      core.NewVec3(0, 0, 1),
			Throughput:     core.NewVec3(1, 1, 1),
			BSDFValue:      core.NewVec3(1, 1, 1),
			WiPdf:          1.0,
		})
		path.AddRadiance(radiance)
		path.RecordToTree(stree, sampler)
	}

	if weight := dtree.SampleWeight(); weight != 0 {
		t.Errorf("invalid vertices were recorded, weight %f", weight)
	}
}

func TestVertexPathZeroThroughputIsSafe(t *testing.T) {
	params := DefaultParameters()
	stree := NewSTree(unitBox(), params, nil)
	sampler := core.NewRandomSampler(rand.New(rand.NewSource(42)))

	point := core.NewVec3(0.5, 0.5, 0.5)
	dtree, voxelSize := stree.GetDTreeWithSize(point)

	var path GPTVertexPath
	path.AddVertex(GPTVertex{
		DTree:          dtree,
		DTreeVoxelSize: voxelSize,
		Point:          point,
		Direction:      core.NewVec3(0, 0, 1),
		Throughput:     core.NewVec3(0, 0, 0),
		BSDFValue:      core.NewVec3(1, 1, 1),
		WiPdf:          1.0,
	})
	path.AddRadiance(core.NewVec3(1, 1, 1))
	path.RecordToTree(stree, sampler)

	// Zero throughput divides to zero incoming radiance, not NaN.
	if weight := dtree.SampleWeight(); math.Abs(float64(weight-1.0)) > 1e-6 {
		t.Errorf("expected the vertex to record with weight 1, got %f", weight)
	}
	dtree.Build()
	if sum := dtree.root.radianceSum(); sum != 0 {
		t.Errorf("expected zero radiance, got %f", sum)
	}
}

func TestVertexPathIndirectRadianceSkipsLast(t *testing.T) {
	var path GPTVertexPath
	for i := 0; i < 3; i++ {
		path.AddVertex(GPTVertex{})
	}

	path.AddIndirectRadiance(core.NewVec3(1, 1, 1))

	if r := path.vertices[0].Radiance.X; r != 1 {
		t.Errorf("first vertex radiance %f, expected 1", r)
	}
	if r := path.vertices[2].Radiance.X; r != 0 {
		t.Errorf("last vertex radiance %f, expected 0", r)
	}

	path.AddRadiance(core.NewVec3(1, 1, 1))
	if r := path.vertices[2].Radiance.X; r != 1 {
		t.Errorf("last vertex radiance %f after direct add, expected 1", r)
	}
}

func TestVertexPathBounded(t *testing.T) {
	var path GPTVertexPath
	for i := 0; i < MaxPathVertices+10; i++ {
		path.AddVertex(GPTVertex{})
	}

	if !path.IsFull() {
		t.Error("path must report full")
	}
	if path.Len() != MaxPathVertices {
		t.Errorf("path length %d, expected %d", path.Len(), MaxPathVertices)
	}
}
