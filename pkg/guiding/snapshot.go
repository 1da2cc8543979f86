package guiding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/BashPrince/go-path-guiding/pkg/core"
)

// The .sdt snapshot format is little-endian binary, written for the
// SD-tree visualizer [Müller et al. 2017]: a row-major 4×4 camera
// matrix followed by one block per D-tree leaf with positive sample
// weight, in depth-first order.

func writeBinary(w io.Writer, data interface{}) error {
	return binary.Write(w, binary.LittleEndian, data)
}

// SnapshotNode mirrors the visualizer's flattened quad-tree node: per
// child, the frozen radiance sum and the index of the child's own node
// in the list, 0 for leaves.
type SnapshotNode struct {
	Sums     [4]float32
	Children [4]uint16
}

// SnapshotDTree is one spatial leaf of a parsed snapshot
type SnapshotDTree struct {
	AABBMin      core.Vec3
	AABBExtent   core.Vec3
	MeanRadiance float32
	SampleWeight uint64
	Nodes        []SnapshotNode
}

// Snapshot is a parsed .sdt file
type Snapshot struct {
	CameraMatrix core.Mat4
	DTrees       []SnapshotDTree
}

// ReadSnapshot parses a .sdt stream written by STree.WriteSnapshot
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	snapshot := &Snapshot{}

	if err := binary.Read(r, binary.LittleEndian, &snapshot.CameraMatrix); err != nil {
		return nil, fmt.Errorf("reading camera matrix: %w", err)
	}

	for {
		var header [6]float32
		err := binary.Read(r, binary.LittleEndian, &header)
		if errors.Is(err, io.EOF) {
			return snapshot, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading leaf bounds: %w", err)
		}

		leaf := SnapshotDTree{
			AABBMin:    core.NewVec3(header[0], header[1], header[2]),
			AABBExtent: core.NewVec3(header[3], header[4], header[5]),
		}

		if err := binary.Read(r, binary.LittleEndian, &leaf.MeanRadiance); err != nil {
			return nil, fmt.Errorf("reading mean radiance: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &leaf.SampleWeight); err != nil {
			return nil, fmt.Errorf("reading sample weight: %w", err)
		}

		var nodeCount uint64
		if err := binary.Read(r, binary.LittleEndian, &nodeCount); err != nil {
			return nil, fmt.Errorf("reading node count: %w", err)
		}

		leaf.Nodes = make([]SnapshotNode, nodeCount)
		for i := range leaf.Nodes {
			for c := 0; c < 4; c++ {
				if err := binary.Read(r, binary.LittleEndian, &leaf.Nodes[i].Sums[c]); err != nil {
					return nil, fmt.Errorf("reading node %d: %w", i, err)
				}
				if err := binary.Read(r, binary.LittleEndian, &leaf.Nodes[i].Children[c]); err != nil {
					return nil, fmt.Errorf("reading node %d: %w", i, err)
				}
			}
		}

		snapshot.DTrees = append(snapshot.DTrees, leaf)
	}
}
