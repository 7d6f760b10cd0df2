// Package shapes defines Shape, the combination of a data type (DType) and the
// dimensions of a tensor.
//
// Shape is used both for materialized tensors (types/tensors) and as the
// "template" describing the authoritative target shape of a parameter being
// partitioned -- where only the shape matters, not the data.
//
// The data types (DType) are the ones defined by github.com/gomlx/gopjrt/dtypes.
// Go float16 support uses the github.com/x448/float16 implementation, and
// bfloat16 uses github.com/gomlx/gopjrt/dtypes/bfloat16.
package shapes

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the shape of a tensor: a DType and its axes' dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make creates a Shape with the given dtype and dimensions.
// A shape without dimensions is a scalar.
//
// It panics if any dimension is <= 0 -- shapes with dynamic or empty
// dimensions are not supported.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{
		DType:      dtype,
		Dimensions: make([]int, len(dimensions)),
	}
	for i, dim := range dimensions {
		if dim <= 0 {
			panic(errors.Errorf("shapes.Make(%s, %v): all dimensions must be > 0", dtype, dimensions))
		}
		s.Dimensions[i] = dim
	}
	return s
}

// Invalid returns an invalid shape. It is the zero value of a Shape.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool {
	return s.DType != dtypes.InvalidDType
}

// Rank of the shape: the number of axes. A scalar has rank 0.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool {
	return s.Ok() && s.Rank() == 0
}

// Size returns the number of elements of the shape.
// A scalar has size 1.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Dim returns the dimension of the given axis.
// A negative axis counts from the end, Python style: Dim(-1) is the dimension
// of the last axis.
//
// It panics if the axis is out of range.
func (s Shape) Dim(axis int) int {
	adjusted, err := AdjustAxis(axis, s.Rank())
	if err != nil {
		panic(err)
	}
	return s.Dimensions[adjusted]
}

// AdjustAxis converts an axis that may be negative (counting from the end) to
// the concrete axis index for a tensor of the given rank.
//
// It returns an error if the axis is out of range for the rank.
func AdjustAxis(axis, rank int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, errors.Errorf("axis %d is out of range for rank %d", axis, rank)
	}
	return adjusted, nil
}

// DTypeSize returns the size in bytes of one element of the given dtype.
//
// It differs from dtypes.DType.Size in that it also supports the 8-bit float
// formats, which have no native Go type.
func DTypeSize(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.F8E4M3, dtypes.F8E4M3FN, dtypes.F8E4M3B11FNUZ, dtypes.F8E4M3FNUZ, dtypes.F8E5M2, dtypes.F8E5M2FNUZ:
		return 1
	default:
		return dtype.Size()
	}
}

// Memory returns the number of bytes needed to store the shape's data.
func (s Shape) Memory() uintptr {
	return uintptr(DTypeSize(s.DType) * s.Size())
}

// Equal compares whether two shapes have the same dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	for i, dim := range s.Dimensions {
		if s2.Dimensions[i] != dim {
			return false
		}
	}
	return true
}

// Clone makes a deep copy of the shape.
func (s Shape) Clone() Shape {
	s2 := Shape{DType: s.DType, Dimensions: make([]int, len(s.Dimensions))}
	copy(s2.Dimensions, s.Dimensions)
	return s2
}

// String implements the fmt.Stringer interface.
// E.g.: a 2-dimensional float32 shape prints as "(Float32)[4 3]".
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "(%s)[", s.DType)
	for i, dim := range s.Dimensions {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d", dim)
	}
	sb.WriteByte(']')
	return sb.String()
}
