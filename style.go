package tensorparallel

import (
	"sort"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/distributed"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/pkg/errors"
)

// Parameter roles, the trailing segment of a parameter name. Styles shard
// weights and biases along different axes.
const (
	RoleWeight = "weight"
	RoleBias   = "bias"
)

// Style is a partition strategy: it knows how to slice a full parameter into
// this rank's local shard, and which communication hooks must bracket the
// owning module's execution.
//
// Styles are stateless and reused across all parameters sharing a tag; obtain
// them with ParseStyle.
type Style interface {
	// PartitionTensor slices the rank's local shard from the full parameter.
	//
	// The template supplies the authoritative target shape (its data is
	// ignored); role is RoleWeight or RoleBias; targetDType is the dtype the
	// shard is cast to (dtypes.InvalidDType keeps the parameter's own);
	// contiguous requests a compact result.
	//
	// Styles that carry no parameters return ErrNotImplemented.
	PartitionTensor(param *tensors.Tensor, template shapes.Shape, role string,
		targetDType dtypes.DType, contiguous bool, rank int, comm *distributed.Comm) (*Parameter, error)

	// PrepareModule installs the style's input/output hooks on the module.
	// Styles that only support specific module kinds return ErrNotImplemented
	// for the others.
	PrepareModule(module *Module, comm *distributed.Comm) error
}

// baseStyle carries the placement configuration shared by all styles.
type baseStyle struct {
	// inputPlacements is the placement assumed for inputs arriving in plain
	// local form.
	inputPlacements []distributed.Placement

	// desiredInputPlacements is what the input hook redistributes to.
	desiredInputPlacements []distributed.Placement

	// outputPlacements is what the output hook redistributes to.
	outputPlacements []distributed.Placement

	// useLocalOutput unwraps the module's outputs back to plain local form.
	useLocalOutput bool

	// useDTensor engages the distributed runtime: partitioned parameters are
	// wrapped with their placements and hooks issue collectives. When false
	// ("local_*" styles) parameters stay plain local tensors and hooks only
	// unwrap, never communicate.
	useDTensor bool
}

func (s *baseStyle) PartitionTensor(param *tensors.Tensor, template shapes.Shape, role string,
	targetDType dtypes.DType, contiguous bool, rank int, comm *distributed.Comm) (*Parameter, error) {
	return nil, errors.WithMessage(ErrNotImplemented, "style carries no parameters")
}

// finishParameter casts the shard to the target dtype and wraps it with its
// placements (or leaves it local-only, per useDTensor).
//
// The contiguous flag is accepted for interface fidelity: slicing always
// produces compact tensors here, so it never triggers a copy.
func (s *baseStyle) finishParameter(shard *tensors.Tensor, placements []distributed.Placement,
	targetDType dtypes.DType, contiguous bool, comm *distributed.Comm) (*Parameter, error) {
	_ = contiguous
	if targetDType != dtypes.InvalidDType && targetDType != shard.DType() {
		var err error
		shard, err = shard.ConvertTo(targetDType)
		if err != nil {
			return nil, err
		}
	}
	if !s.useDTensor {
		return NewParameter(distributed.Local(shard)), nil
	}
	return NewParameter(comm.FromLocal(shard, placements...)), nil
}

// ensureDistributed wraps a plain local value with the assumed placements.
// Already-distributed values pass through unchanged.
func ensureDistributed(value *distributed.Tensor, placements []distributed.Placement,
	comm *distributed.Comm) *distributed.Tensor {
	if value.IsDistributed() {
		return value
	}
	return comm.FromLocal(value.LocalTensor(), placements...)
}

// toLocal drops the placement wrapping, keeping the local tensor.
func toLocal(value *distributed.Tensor) *distributed.Tensor {
	if !value.IsDistributed() {
		return value
	}
	return distributed.Local(value.LocalTensor())
}

// Style tags.
const (
	StyleColwise            = "colwise"
	StyleRowwise            = "rowwise"
	StyleColwiseRep         = "colwise_rep"
	StyleRowwiseRep         = "rowwise_rep"
	StyleLocalColwise       = "local_colwise"
	StyleLocalRowwise       = "local_rowwise"
	StyleLocal              = "local"
	StyleGather             = "gather"
	StyleLocalPackedRowwise = "local_packed_rowwise"
	StyleSequenceParallel   = "sequence_parallel"
)

var (
	styleCacheMu sync.Mutex
	styleCache   = make(map[string]Style)
)

// ParseStyle returns the partition strategy for a style tag. Tags are
// case-sensitive; an unknown tag is a configuration error.
//
// Instances are memoized per tag and shared: a Style holds no per-parameter
// state.
func ParseStyle(tag string) (Style, error) {
	styleCacheMu.Lock()
	defer styleCacheMu.Unlock()
	if style, found := styleCache[tag]; found {
		return style, nil
	}
	style, err := newStyle(tag)
	if err != nil {
		return nil, err
	}
	styleCache[tag] = style
	return style, nil
}

func newStyle(tag string) (Style, error) {
	switch tag {
	case StyleColwise:
		return NewColwiseParallel(), nil
	case StyleColwiseRep:
		style := NewColwiseParallel()
		style.outputPlacements = []distributed.Placement{distributed.Replicate{}}
		return style, nil
	case StyleLocalColwise:
		style := NewColwiseParallel()
		style.useDTensor = false
		return style, nil
	case StyleRowwise:
		return NewRowwiseParallel(), nil
	case StyleRowwiseRep:
		// Only the assumed layout of arriving inputs changes: the hook still
		// scatters them to the placement the module kind requires.
		style := NewRowwiseParallel()
		style.inputPlacements = []distributed.Placement{distributed.Replicate{}}
		return style, nil
	case StyleLocalRowwise:
		style := NewRowwiseParallel()
		style.useDTensor = false
		return style, nil
	case StyleLocalPackedRowwise:
		style := NewPackedRowwiseParallel()
		style.useDTensor = false
		return style, nil
	case StyleSequenceParallel:
		return NewSequenceParallel(), nil
	case StyleGather:
		return NewGatherParallel(), nil
	case StyleLocal:
		return NewIsolatedParallel(), nil
	}
	return nil, errors.Errorf("unknown tensor-parallel style %q (supported: %v)", tag, SupportedStyles())
}

// SupportedStyles returns the full style-tag vocabulary, sorted.
func SupportedStyles() []string {
	tags := []string{
		StyleColwise, StyleRowwise, StyleColwiseRep, StyleRowwiseRep,
		StyleLocalColwise, StyleLocalRowwise, StyleLocal, StyleGather,
		StyleLocalPackedRowwise, StyleSequenceParallel,
	}
	sort.Strings(tags)
	return tags
}
