package tensorparallel

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/distributed"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// sequenceDim is the axis activations carry the sequence on (batch first).
const sequenceDim = 1

// SequenceParallel shards the module's activations over the sequence axis
// while keeping its parameter fully replicated -- the pattern of
// normalization layers, whose scale is tiny but whose activations are not.
// Outputs are gathered back to replicated: the downstream stage expects
// non-sharded input.
type SequenceParallel struct {
	baseStyle
}

// NewSequenceParallel returns the sequence-parallel style.
func NewSequenceParallel() *SequenceParallel {
	return &SequenceParallel{baseStyle{
		inputPlacements:        []distributed.Placement{distributed.Replicate{}},
		desiredInputPlacements: []distributed.Placement{distributed.Shard{Dim: sequenceDim}},
		outputPlacements:       []distributed.Placement{distributed.Replicate{}},
		useLocalOutput:         true,
		useDTensor:             true,
	}}
}

func (s *SequenceParallel) PartitionTensor(param *tensors.Tensor, template shapes.Shape, role string,
	targetDType dtypes.DType, contiguous bool, rank int, comm *distributed.Comm) (*Parameter, error) {
	placements := []distributed.Placement{distributed.Replicate{}}
	return s.finishParameter(param.Clone(), placements, targetDType, contiguous, comm)
}

func (s *SequenceParallel) PrepareModule(module *Module, comm *distributed.Comm) error {
	module.RegisterForwardPreHook(s.prepareInput)
	module.RegisterForwardHook(s.prepareOutput)
	return nil
}

func (s *SequenceParallel) prepareInput(module *Module, comm *distributed.Comm,
	values []*distributed.Tensor) ([]*distributed.Tensor, error) {
	if !s.useDTensor {
		return values, nil
	}
	out := make([]*distributed.Tensor, len(values))
	for i, v := range values {
		v = ensureDistributed(v, s.inputPlacements, comm)
		if !distributed.PlacementsEqual(v.Placements(), s.desiredInputPlacements) {
			var err error
			v, err = comm.Redistribute(v, s.desiredInputPlacements, true)
			if err != nil {
				return nil, err
			}
		}
		out[i] = v
	}
	return out, nil
}

func (s *SequenceParallel) prepareOutput(module *Module, comm *distributed.Comm,
	values []*distributed.Tensor) ([]*distributed.Tensor, error) {
	if !s.useDTensor {
		return values, nil
	}
	out := make([]*distributed.Tensor, len(values))
	for i, v := range values {
		if v.IsDistributed() && !distributed.PlacementsEqual(v.Placements(), s.outputPlacements) {
			var err error
			v, err = comm.Redistribute(v, s.outputPlacements, true)
			if err != nil {
				return nil, err
			}
		}
		out[i] = toLocal(v)
	}
	return out, nil
}
