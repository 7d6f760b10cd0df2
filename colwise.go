package tensorparallel

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/distributed"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// ColwiseParallel shards a projection over its output features: the weight is
// sharded along the second-to-last axis, the bias along the last. Each rank
// computes a slice of the output features, so the module's natural output is
// sharded on its last axis.
type ColwiseParallel struct {
	baseStyle
}

// NewColwiseParallel returns the column-wise style with its default
// placements: replicated inputs, outputs left sharded on the last axis.
func NewColwiseParallel() *ColwiseParallel {
	return &ColwiseParallel{baseStyle{
		inputPlacements:        []distributed.Placement{distributed.Replicate{}},
		desiredInputPlacements: []distributed.Placement{distributed.Replicate{}},
		outputPlacements:       []distributed.Placement{distributed.Shard{Dim: -1}},
		useLocalOutput:         true,
		useDTensor:             true,
	}}
}

func (s *ColwiseParallel) PartitionTensor(param *tensors.Tensor, template shapes.Shape, role string,
	targetDType dtypes.DType, contiguous bool, rank int, comm *distributed.Comm) (*Parameter, error) {
	dim := -2
	if role == RoleBias {
		dim = -1
	}
	shard, err := TensorShard(param, template, comm.Mesh, rank, dim)
	if err != nil {
		return nil, err
	}
	placements := []distributed.Placement{distributed.Shard{Dim: dim}}
	return s.finishParameter(shard, placements, targetDType, contiguous, comm)
}

func (s *ColwiseParallel) PrepareModule(module *Module, comm *distributed.Comm) error {
	module.RegisterForwardPreHook(s.prepareInput)
	module.RegisterForwardHook(s.prepareOutput)
	return nil
}

func (s *ColwiseParallel) prepareInput(module *Module, comm *distributed.Comm,
	values []*distributed.Tensor) ([]*distributed.Tensor, error) {
	if !s.useDTensor {
		return values, nil
	}
	out := make([]*distributed.Tensor, len(values))
	for i, v := range values {
		v = ensureDistributed(v, s.inputPlacements, comm)
		if !distributed.PlacementsEqual(v.Placements(), s.desiredInputPlacements) {
			var err error
			v, err = comm.Redistribute(v, s.desiredInputPlacements, false)
			if err != nil {
				return nil, err
			}
		}
		out[i] = v
	}
	return out, nil
}

func (s *ColwiseParallel) prepareOutput(module *Module, comm *distributed.Comm,
	values []*distributed.Tensor) ([]*distributed.Tensor, error) {
	if !s.useDTensor {
		return values, nil
	}
	natural := []distributed.Placement{distributed.Shard{Dim: -1}}
	out := make([]*distributed.Tensor, len(values))
	for i, v := range values {
		v = ensureDistributed(v, natural, comm)
		if !distributed.PlacementsEqual(v.Placements(), s.outputPlacements) {
			var err error
			v, err = comm.Redistribute(v, s.outputPlacements, false)
			if err != nil {
				return nil, err
			}
		}
		if s.useLocalOutput {
			v = toLocal(v)
		}
		out[i] = v
	}
	return out, nil
}

// PackedColwiseParallel is ColwiseParallel for packed (fused gate+up)
// parameters: the source weight is split per logical block (PackedShard)
// instead of contiguously.
type PackedColwiseParallel struct {
	ColwiseParallel
}

// NewPackedColwiseParallel returns the packed column-wise style with the
// column-wise defaults.
func NewPackedColwiseParallel() *PackedColwiseParallel {
	return &PackedColwiseParallel{*NewColwiseParallel()}
}

func (s *PackedColwiseParallel) PartitionTensor(param *tensors.Tensor, template shapes.Shape, role string,
	targetDType dtypes.DType, contiguous bool, rank int, comm *distributed.Comm) (*Parameter, error) {
	dim := -2
	if role == RoleBias {
		dim = -1
	}
	shard, err := PackedShard(param, template, comm.Mesh, rank, dim)
	if err != nil {
		return nil, err
	}
	placements := []distributed.Placement{distributed.Shard{Dim: dim}}
	return s.finishParameter(shard, placements, targetDType, contiguous, comm)
}
