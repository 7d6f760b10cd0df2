package tensorparallel

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/distributed"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// GatherParallel is a pure communication wrapper: the module carries no
// sharded parameters, but its inputs are unwrapped to local form and its
// first output is sum-reduced across all ranks.
//
// The reduction must be synchronous. The reduced value feeds straight into
// the next stage: an asynchronous reduction could overlap with that stage and
// observably corrupt its result.
type GatherParallel struct {
	baseStyle
}

// NewGatherParallel returns the gather style.
func NewGatherParallel() *GatherParallel {
	return &GatherParallel{baseStyle{
		inputPlacements: []distributed.Placement{distributed.Replicate{}},
		useLocalOutput:  true,
		useDTensor:      true,
	}}
}

func (s *GatherParallel) PrepareModule(module *Module, comm *distributed.Comm) error {
	module.RegisterForwardPreHook(s.prepareInput)
	module.RegisterForwardHook(s.prepareOutput)
	return nil
}

func (s *GatherParallel) prepareInput(module *Module, comm *distributed.Comm,
	values []*distributed.Tensor) ([]*distributed.Tensor, error) {
	out := make([]*distributed.Tensor, len(values))
	for i, v := range values {
		out[i] = toLocal(v)
	}
	return out, nil
}

func (s *GatherParallel) prepareOutput(module *Module, comm *distributed.Comm,
	values []*distributed.Tensor) ([]*distributed.Tensor, error) {
	if len(values) == 0 {
		return values, nil
	}
	reduced, err := comm.AllReduceSum(values[0].LocalTensor())
	if err != nil {
		return nil, err
	}
	out := make([]*distributed.Tensor, len(values))
	out[0] = distributed.Local(reduced)
	copy(out[1:], values[1:])
	return out, nil
}

// IsolatedParallel keeps a module entirely outside the distributed runtime:
// its parameters stay plain local tensors and its inputs are unwrapped to
// local form. Used for ops (reshape, view, rotary tables) that the
// distributed wrapping cannot express safely.
type IsolatedParallel struct {
	baseStyle
}

// NewIsolatedParallel returns the isolate style.
func NewIsolatedParallel() *IsolatedParallel {
	return &IsolatedParallel{baseStyle{
		useLocalOutput: true,
		useDTensor:     false,
	}}
}

// PartitionTensor keeps the full parameter, cast only, in local-only form.
func (s *IsolatedParallel) PartitionTensor(param *tensors.Tensor, template shapes.Shape, role string,
	targetDType dtypes.DType, contiguous bool, rank int, comm *distributed.Comm) (*Parameter, error) {
	return s.finishParameter(param.Clone(), nil, targetDType, contiguous, comm)
}

func (s *IsolatedParallel) PrepareModule(module *Module, comm *distributed.Comm) error {
	// Outputs pass through unchanged, only the inputs need unwrapping.
	module.RegisterForwardPreHook(s.prepareInput)
	return nil
}

func (s *IsolatedParallel) prepareInput(module *Module, comm *distributed.Comm,
	values []*distributed.Tensor) ([]*distributed.Tensor, error) {
	out := make([]*distributed.Tensor, len(values))
	for i, v := range values {
		out[i] = toLocal(v)
	}
	return out, nil
}
