package distributed

import (
	"github.com/gomlx/tensorparallel/types/mesh"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/pkg/errors"
)

// Runtime is the collective-communication collaborator: it implements the
// data movement between ranks that redistributing a distributed tensor
// requires. Implementations are bound to one mesh; the calling rank is passed
// per call.
//
// All ranks of the mesh must issue the same sequence of Runtime calls in the
// same order -- the usual SPMD protocol invariant. The Runtime does not (and
// cannot) enforce it.
type Runtime interface {
	// Redistribute returns the tensor converted to the target placements,
	// performing whatever collective the transition requires: an all-reduce
	// (Partial -> Replicate), a reduce-scatter (Partial -> Shard), an
	// all-gather (Shard -> Replicate) or a local slice (Replicate -> Shard).
	//
	// The async flag requests asynchronous submission where the transition
	// allows overlapping with subsequent computation. Implementations are free
	// to ignore it and complete synchronously; they must never return before
	// the result is safe to consume.
	Redistribute(rank int, t *Tensor, placements []Placement, async bool) (*Tensor, error)

	// FullTensor reconstructs the full logical tensor on every rank,
	// gathering and/or reducing as the placements require.
	FullTensor(rank int, t *Tensor) (*tensors.Tensor, error)

	// AllReduceSum sums the given local tensor across all ranks and returns
	// the result. It is always synchronous: asynchronous submission here
	// observably corrupts any computation consuming the result.
	AllReduceSum(rank int, local *tensors.Tensor) (*tensors.Tensor, error)
}

// Comm is one rank's handle to the mesh and its collective runtime: the value
// threaded through hook execution and partitioning.
type Comm struct {
	Mesh *mesh.DeviceMesh
	Rank int

	runtime Runtime
}

// NewComm binds a rank to a mesh and a collective runtime.
func NewComm(m *mesh.DeviceMesh, rank int, runtime Runtime) (*Comm, error) {
	if rank < 0 || rank >= m.NumDevices() {
		return nil, errors.Errorf("rank %d out of range for %s", rank, m)
	}
	if runtime == nil {
		return nil, errors.New("runtime cannot be nil")
	}
	return &Comm{Mesh: m, Rank: rank, runtime: runtime}, nil
}

// WorldSize returns the number of ranks in the mesh.
func (c *Comm) WorldSize() int {
	return c.Mesh.NumDevices()
}

// FromLocal wraps a local tensor with its placement on this Comm's mesh.
func (c *Comm) FromLocal(local *tensors.Tensor, placements ...Placement) *Tensor {
	return FromLocal(local, c.Mesh, placements...)
}

// Redistribute converts the tensor to the target placements. See
// Runtime.Redistribute.
func (c *Comm) Redistribute(t *Tensor, placements []Placement, async bool) (*Tensor, error) {
	return c.runtime.Redistribute(c.Rank, t, placements, async)
}

// FullTensor reconstructs the full logical tensor. See Runtime.FullTensor.
func (c *Comm) FullTensor(t *Tensor) (*tensors.Tensor, error) {
	return c.runtime.FullTensor(c.Rank, t)
}

// AllReduceSum sums a local tensor across all ranks, synchronously. See
// Runtime.AllReduceSum.
func (c *Comm) AllReduceSum(local *tensors.Tensor) (*tensors.Tensor, error) {
	return c.runtime.AllReduceSum(c.Rank, local)
}
