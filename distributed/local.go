package distributed

import (
	"sync"

	"github.com/gomlx/tensorparallel/types/mesh"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/pkg/errors"
)

// LocalGroup is an in-process Runtime: every rank of the mesh runs on its own
// goroutine inside one process, and collectives rendezvous through shared
// memory. It implements the same SPMD contract as a multi-process runtime, so
// the communication pattern of a plan can be exercised without a cluster.
//
// All collectives are completed synchronously before returning; the async
// redistribution flag is accepted and ignored.
type LocalGroup struct {
	mesh  *mesh.DeviceMesh
	world int

	mu        sync.Mutex
	cond      *sync.Cond
	arrived   int
	genNumber int
	slots     []*tensors.Tensor
	published []*tensors.Tensor
}

var _ Runtime = (*LocalGroup)(nil)

func newLocalGroup(m *mesh.DeviceMesh) *LocalGroup {
	g := &LocalGroup{
		mesh:  m,
		world: m.NumDevices(),
		slots: make([]*tensors.Tensor, m.NumDevices()),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// NewLocalGroup creates a LocalGroup spanning the whole mesh and returns one
// Comm per rank. Each Comm must be used by exactly one goroutine, and all
// ranks must issue the same sequence of collective calls.
func NewLocalGroup(m *mesh.DeviceMesh) ([]*Comm, error) {
	g := newLocalGroup(m)
	comms := make([]*Comm, g.world)
	for rank := range comms {
		comm, err := NewComm(m, rank, g)
		if err != nil {
			return nil, err
		}
		comms[rank] = comm
	}
	return comms, nil
}

// NewLocalGroupForAxis creates one collective group per replica group of the
// given mesh axis: ranks sharing their coordinates on every other axis
// rendezvous together, each group running over its own 1D submesh of the
// axis. This is how a tensor-parallel group is carved out of a combined
// data/model parallel mesh.
//
// It returns one Comm per global rank; each Comm's Rank is the rank's
// position within its group, and its Mesh is the axis submesh.
func NewLocalGroupForAxis(m *mesh.DeviceMesh, axisName string) ([]*Comm, error) {
	size, err := m.AxisSize(axisName)
	if err != nil {
		return nil, err
	}
	groups, err := m.ComputeReplicaGroups([]string{axisName})
	if err != nil {
		return nil, err
	}
	sub, err := mesh.New1D(axisName, size)
	if err != nil {
		return nil, err
	}
	comms := make([]*Comm, m.NumDevices())
	for _, group := range groups {
		g := newLocalGroup(sub)
		for position, rank := range group {
			comms[rank], err = NewComm(sub, position, g)
			if err != nil {
				return nil, err
			}
		}
	}
	return comms, nil
}

// exchange deposits this rank's tensor and blocks until every rank has done
// the same, then returns all ranks' tensors in rank order. It is the single
// rendezvous primitive every collective is built on.
func (g *LocalGroup) exchange(rank int, t *tensors.Tensor) []*tensors.Tensor {
	g.mu.Lock()
	defer g.mu.Unlock()
	gen := g.genNumber
	g.slots[rank] = t
	g.arrived++
	if g.arrived == g.world {
		published := make([]*tensors.Tensor, g.world)
		copy(published, g.slots)
		g.published = published
		g.arrived = 0
		g.genNumber++
		g.cond.Broadcast()
	} else {
		for gen == g.genNumber {
			g.cond.Wait()
		}
	}
	return g.published
}

// shardSlice returns this rank's contiguous partition of the tensor along the
// axis. The axis extent must divide evenly by the number of ranks.
func (g *LocalGroup) shardSlice(rank int, t *tensors.Tensor, dim int) (*tensors.Tensor, error) {
	axis, err := shapes.AdjustAxis(dim, t.Rank())
	if err != nil {
		return nil, err
	}
	extent := t.Shape().Dimensions[axis]
	if extent%g.world != 0 {
		return nil, errors.Errorf("cannot shard axis %d of %s across %d ranks: %d is not divisible",
			dim, t.Shape(), g.world, extent)
	}
	chunk := extent / g.world
	return t.Slice(axis, rank*chunk, (rank+1)*chunk)
}

// allGather reconstructs the full axis by concatenating every rank's shard in
// rank order.
func (g *LocalGroup) allGather(rank int, local *tensors.Tensor, dim int) (*tensors.Tensor, error) {
	axis, err := shapes.AdjustAxis(dim, local.Rank())
	if err != nil {
		return nil, err
	}
	parts := g.exchange(rank, local)
	return tensors.Concat(axis, parts...)
}

// allReduce sums every rank's tensor element-wise.
func (g *LocalGroup) allReduce(rank int, local *tensors.Tensor) (*tensors.Tensor, error) {
	parts := g.exchange(rank, local)
	sum := parts[0]
	var err error
	for _, part := range parts[1:] {
		sum, err = tensors.Add(sum, part)
		if err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// AllReduceSum implements Runtime.
func (g *LocalGroup) AllReduceSum(rank int, local *tensors.Tensor) (*tensors.Tensor, error) {
	return g.allReduce(rank, local)
}

// FullTensor implements Runtime.
func (g *LocalGroup) FullTensor(rank int, t *Tensor) (*tensors.Tensor, error) {
	if !t.IsDistributed() {
		return t.LocalTensor().Clone(), nil
	}
	placement, err := singlePlacement(t)
	if err != nil {
		return nil, err
	}
	switch p := placement.(type) {
	case Replicate:
		return t.LocalTensor().Clone(), nil
	case Shard:
		return g.allGather(rank, t.LocalTensor(), p.Dim)
	case Partial:
		return g.allReduce(rank, t.LocalTensor())
	}
	return nil, errors.Errorf("FullTensor: unknown placement %s", placement)
}

// Redistribute implements Runtime.
//
// The async flag is ignored: in-process collectives always complete before
// returning.
func (g *LocalGroup) Redistribute(rank int, t *Tensor, placements []Placement, async bool) (*Tensor, error) {
	_ = async
	if !t.IsDistributed() {
		return nil, errors.Errorf("cannot redistribute local-only tensor %s: wrap it with FromLocal first", t)
	}
	if PlacementsEqual(t.Placements(), placements) {
		return t, nil
	}
	current, err := singlePlacement(t)
	if err != nil {
		return nil, err
	}
	if len(placements) != 1 {
		return nil, errors.Errorf("only single-placement redistribution is supported, got %v", placements)
	}
	target := placements[0]

	var local *tensors.Tensor
	switch cur := current.(type) {
	case Replicate:
		shard, ok := target.(Shard)
		if !ok {
			return nil, errors.Errorf("cannot redistribute %s to %s", current, target)
		}
		local, err = g.shardSlice(rank, t.LocalTensor(), shard.Dim)

	case Shard:
		full, gatherErr := g.allGather(rank, t.LocalTensor(), cur.Dim)
		if gatherErr != nil {
			return nil, gatherErr
		}
		switch tgt := target.(type) {
		case Replicate:
			local = full
		case Shard:
			local, err = g.shardSlice(rank, full, tgt.Dim)
		default:
			return nil, errors.Errorf("cannot redistribute %s to %s", current, target)
		}

	case Partial:
		full, reduceErr := g.allReduce(rank, t.LocalTensor())
		if reduceErr != nil {
			return nil, reduceErr
		}
		switch tgt := target.(type) {
		case Replicate:
			local = full
		case Shard:
			// Reduce-scatter: each rank keeps its partition of the sum.
			local, err = g.shardSlice(rank, full, tgt.Dim)
		default:
			return nil, errors.Errorf("cannot redistribute %s to %s", current, target)
		}

	default:
		return nil, errors.Errorf("Redistribute: unknown placement %s", current)
	}
	if err != nil {
		return nil, err
	}
	return FromLocal(local, t.Mesh(), target), nil
}

func singlePlacement(t *Tensor) (Placement, error) {
	if len(t.Placements()) != 1 {
		return nil, errors.Errorf("expected a single placement, tensor has %v", t.Placements())
	}
	return t.Placements()[0], nil
}
