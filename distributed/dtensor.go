package distributed

import (
	"fmt"

	"github.com/gomlx/tensorparallel/types/mesh"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/pkg/errors"
)

// Tensor pairs a local tensor with the placement that describes how it is
// distributed across a mesh.
//
// A Tensor can also be "local-only" (see Local): no mesh, no placements, the
// value is just this rank's local data and its distribution is unmanaged.
// That is the form used by partitioning styles that bypass the distributed
// runtime so the model can reshape or index the raw values.
type Tensor struct {
	local      *tensors.Tensor
	mesh       *mesh.DeviceMesh
	placements []Placement
}

// Local wraps a local tensor in its local-only (unmanaged) form.
func Local(t *tensors.Tensor) *Tensor {
	return &Tensor{local: t}
}

// FromLocal wraps this rank's local tensor with its placement on the mesh.
//
// No cross-rank correctness check is performed: the caller guarantees that
// all ranks' local shapes agree with the placements.
func FromLocal(local *tensors.Tensor, m *mesh.DeviceMesh, placements ...Placement) *Tensor {
	return &Tensor{local: local, mesh: m, placements: placements}
}

// IsDistributed returns whether the tensor carries a managed placement, as
// opposed to being local-only.
func (t *Tensor) IsDistributed() bool {
	return t.mesh != nil
}

// LocalTensor extracts the local tensor: this rank's shard (or full copy, if
// replicated). It never communicates.
func (t *Tensor) LocalTensor() *tensors.Tensor {
	return t.local
}

// Mesh returns the mesh the tensor is distributed on, or nil if local-only.
func (t *Tensor) Mesh() *mesh.DeviceMesh {
	return t.mesh
}

// Placements returns the tensor's placement list, or nil if local-only.
func (t *Tensor) Placements() []Placement {
	return t.placements
}

// Shape returns the local tensor's shape.
func (t *Tensor) Shape() shapes.Shape {
	return t.local.Shape()
}

// GlobalShape computes the shape of the logical (global) tensor implied by
// the local shape and the placements.
func (t *Tensor) GlobalShape() (shapes.Shape, error) {
	global := t.local.Shape().Clone()
	if !t.IsDistributed() {
		return global, nil
	}
	for _, p := range t.placements {
		shard, ok := p.(Shard)
		if !ok {
			continue
		}
		axis, err := shapes.AdjustAxis(shard.Dim, global.Rank())
		if err != nil {
			return shapes.Invalid(), errors.WithMessagef(err, "GlobalShape of %s", t)
		}
		global.Dimensions[axis] *= t.mesh.NumDevices()
	}
	return global, nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if !t.IsDistributed() {
		return fmt.Sprintf("Local[%s]", t.local.Shape())
	}
	return fmt.Sprintf("Distributed[%s, %s, %v]", t.local.Shape(), t.mesh, t.placements)
}
