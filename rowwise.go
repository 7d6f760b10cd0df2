package tensorparallel

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/distributed"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/pkg/errors"
)

// RowwiseParallel shards a projection over its input features: the weight is
// sharded along the last axis, the bias stays replicated. Each rank contracts
// over a slice of the input features, so the module's natural output is a
// partial sum -- a reduction is owed before it can be used.
//
// The bias is detached before the module runs and re-added after the
// reduction, so it contributes exactly once instead of once per rank.
type RowwiseParallel struct {
	baseStyle
}

// NewRowwiseParallel returns the row-wise style with its default placements:
// inputs sharded on the last (contraction) axis, outputs reduced to
// replicated.
func NewRowwiseParallel() *RowwiseParallel {
	return &RowwiseParallel{baseStyle{
		inputPlacements:        []distributed.Placement{distributed.Shard{Dim: -1}},
		desiredInputPlacements: []distributed.Placement{distributed.Shard{Dim: -1}},
		outputPlacements:       []distributed.Placement{distributed.Replicate{}},
		useLocalOutput:         true,
		useDTensor:             true,
	}}
}

func (s *RowwiseParallel) PartitionTensor(param *tensors.Tensor, template shapes.Shape, role string,
	targetDType dtypes.DType, contiguous bool, rank int, comm *distributed.Comm) (*Parameter, error) {
	if role == RoleBias {
		// The bias lives on the output features, which row-wise sharding
		// doesn't split.
		placements := []distributed.Placement{distributed.Replicate{}}
		return s.finishParameter(param.Clone(), placements, targetDType, contiguous, comm)
	}
	shard, err := TensorShard(param, template, comm.Mesh, rank, -1)
	if err != nil {
		return nil, err
	}
	placements := []distributed.Placement{distributed.Shard{Dim: -1}}
	return s.finishParameter(shard, placements, targetDType, contiguous, comm)
}

// PrepareModule installs the row-wise hooks. The desired input placement
// depends on what the module computes: a Linear contracts over sharded input
// features, an Embedding looks up replicated token ids. Other kinds are not
// supported.
func (s *RowwiseParallel) PrepareModule(module *Module, comm *distributed.Comm) error {
	var desired []distributed.Placement
	switch module.Kind() {
	case KindLinear:
		desired = s.desiredInputPlacements
	case KindEmbedding:
		desired = []distributed.Placement{distributed.Replicate{}}
	default:
		return errors.WithMessagef(ErrNotImplemented,
			"row-wise parallelism supports Linear and Embedding modules, not %s", module.Kind())
	}
	module.RegisterForwardPreHook(func(m *Module, c *distributed.Comm,
		values []*distributed.Tensor) ([]*distributed.Tensor, error) {
		return s.prepareInput(m, c, values, desired)
	})
	module.RegisterForwardHook(s.prepareOutput)
	return nil
}

func (s *RowwiseParallel) prepareInput(module *Module, comm *distributed.Comm,
	values []*distributed.Tensor, desired []distributed.Placement) ([]*distributed.Tensor, error) {
	// Detach the bias so the local contraction doesn't include it; the
	// output hook re-adds it after the reduction.
	if bias := module.removeParameter(RoleBias); bias != nil {
		module.detachedBias = bias
	}
	if !s.useDTensor {
		return values, nil
	}
	out := make([]*distributed.Tensor, len(values))
	for i, v := range values {
		v = ensureDistributed(v, s.inputPlacements, comm)
		if !distributed.PlacementsEqual(v.Placements(), desired) {
			var err error
			v, err = comm.Redistribute(v, desired, true)
			if err != nil {
				return nil, err
			}
		}
		out[i] = v
	}
	return out, nil
}

func (s *RowwiseParallel) prepareOutput(module *Module, comm *distributed.Comm,
	values []*distributed.Tensor) ([]*distributed.Tensor, error) {
	partial := []distributed.Placement{distributed.Partial{}}
	out := make([]*distributed.Tensor, len(values))
	for i, v := range values {
		if s.useDTensor {
			v = ensureDistributed(v, partial, comm)
			if !distributed.PlacementsEqual(v.Placements(), s.outputPlacements) {
				var err error
				v, err = comm.Redistribute(v, s.outputPlacements, true)
				if err != nil {
					return nil, err
				}
			}
		}
		// The bias belongs to the module's single primary output, added once,
		// after the reduction.
		if i == 0 && module.detachedBias != nil {
			local, err := tensors.Add(v.LocalTensor(), module.detachedBias.Value.LocalTensor())
			if err != nil {
				return nil, errors.WithMessage(err, "re-adding detached bias")
			}
			if v.IsDistributed() {
				v = comm.FromLocal(local, v.Placements()...)
			} else {
				v = distributed.Local(local)
			}
		}
		if s.useLocalOutput {
			v = toLocal(v)
		}
		out[i] = v
	}
	return out, nil
}

// PackedRowwiseParallel is RowwiseParallel for packed (fused gate+up)
// parameters: the source weight is split per logical block (PackedShard)
// instead of contiguously.
type PackedRowwiseParallel struct {
	RowwiseParallel
}

// NewPackedRowwiseParallel returns the packed row-wise style with the
// row-wise defaults.
func NewPackedRowwiseParallel() *PackedRowwiseParallel {
	return &PackedRowwiseParallel{*NewRowwiseParallel()}
}

func (s *PackedRowwiseParallel) PartitionTensor(param *tensors.Tensor, template shapes.Shape, role string,
	targetDType dtypes.DType, contiguous bool, rank int, comm *distributed.Comm) (*Parameter, error) {
	if role == RoleBias {
		placements := []distributed.Placement{distributed.Replicate{}}
		return s.finishParameter(param.Clone(), placements, targetDType, contiguous, comm)
	}
	shard, err := PackedShard(param, template, comm.Mesh, rank, -1)
	if err != nil {
		return nil, err
	}
	placements := []distributed.Placement{distributed.Shard{Dim: -1}}
	return s.finishParameter(shard, placements, targetDType, contiguous, comm)
}
