package tensors

import (
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/pkg/errors"
)

// Axis-wise operations on local tensors.
//
// All operations return newly allocated, compact tensors: there are no views,
// so results are always contiguous in memory. They operate on raw bytes with
// the element size given by the dtype, which makes them dtype-agnostic --
// including the 8-bit float formats. The exception is IndexSelect, which works
// per element and requires a native Go element type.

// outerInner returns the number of independent "rows" before the axis and the
// size in bytes of one element-run after (and including one step of) the axis.
func (t *Tensor) outerInner(axis int) (outer, innerBytes int) {
	outer = 1
	for _, dim := range t.shape.Dimensions[:axis] {
		outer *= dim
	}
	innerBytes = t.ElemSize()
	for _, dim := range t.shape.Dimensions[axis+1:] {
		innerBytes *= dim
	}
	return
}

// Slice returns a copy of the contiguous range [start, stop) of the tensor
// along the given axis. A negative axis counts from the end.
func (t *Tensor) Slice(axis, start, stop int) (*Tensor, error) {
	adjustedAxis, err := shapes.AdjustAxis(axis, t.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "Tensor.Slice on %s", t.shape)
	}
	dim := t.shape.Dimensions[adjustedAxis]
	if start < 0 || stop > dim || start >= stop {
		return nil, errors.Errorf("Tensor.Slice: invalid range [%d, %d) for axis %d of %s",
			start, stop, axis, t.shape)
	}

	newDims := t.shape.Clone().Dimensions
	newDims[adjustedAxis] = stop - start
	result := newTensor(shapes.Make(t.shape.DType, newDims...))

	outer, innerBytes := t.outerInner(adjustedAxis)
	srcRow := dim * innerBytes
	dstRow := (stop - start) * innerBytes
	for o := 0; o < outer; o++ {
		copy(result.data[o*dstRow:(o+1)*dstRow], t.data[o*srcRow+start*innerBytes:])
	}
	return result, nil
}

// IndexSelect returns a new tensor gathering the given indices of the axis, in
// order. A negative axis counts from the end.
//
// The gather works per element and is not implemented for the 8-bit float
// formats: those must be converted (ConvertTo) to a wider float first.
func (t *Tensor) IndexSelect(axis int, indices []int) (*Tensor, error) {
	adjustedAxis, err := shapes.AdjustAxis(axis, t.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "Tensor.IndexSelect on %s", t.shape)
	}
	if isFloat8(t.shape.DType) {
		return nil, errors.Errorf("Tensor.IndexSelect is not implemented for dtype %s: convert to Float16 first",
			t.shape.DType)
	}
	if len(indices) == 0 {
		return nil, errors.Errorf("Tensor.IndexSelect: empty index list")
	}
	dim := t.shape.Dimensions[adjustedAxis]
	for _, idx := range indices {
		if idx < 0 || idx >= dim {
			return nil, errors.Errorf("Tensor.IndexSelect: index %d out of range for axis %d of %s",
				idx, axis, t.shape)
		}
	}

	newDims := t.shape.Clone().Dimensions
	newDims[adjustedAxis] = len(indices)
	result := newTensor(shapes.Make(t.shape.DType, newDims...))

	outer, innerBytes := t.outerInner(adjustedAxis)
	srcRow := dim * innerBytes
	dstRow := len(indices) * innerBytes
	for o := 0; o < outer; o++ {
		for i, idx := range indices {
			copy(result.data[o*dstRow+i*innerBytes:o*dstRow+(i+1)*innerBytes],
				t.data[o*srcRow+idx*innerBytes:])
		}
	}
	return result, nil
}

// Concat concatenates the tensors along the given axis, in the order given.
// All tensors must have the same dtype and the same dimensions on every other
// axis. A negative axis counts from the end.
func Concat(axis int, parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("Concat requires at least one tensor")
	}
	first := parts[0]
	adjustedAxis, err := shapes.AdjustAxis(axis, first.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "Concat of %s", first.shape)
	}

	totalDim := 0
	for i, part := range parts {
		if part.shape.DType != first.shape.DType || part.Rank() != first.Rank() {
			return nil, errors.Errorf("Concat: tensor #%d has shape %s, incompatible with %s",
				i, part.shape, first.shape)
		}
		for a, dim := range part.shape.Dimensions {
			if a != adjustedAxis && dim != first.shape.Dimensions[a] {
				return nil, errors.Errorf("Concat: tensor #%d has shape %s, incompatible with %s on axis %d",
					i, part.shape, first.shape, a)
			}
		}
		totalDim += part.shape.Dimensions[adjustedAxis]
	}

	newDims := first.shape.Clone().Dimensions
	newDims[adjustedAxis] = totalDim
	result := newTensor(shapes.Make(first.shape.DType, newDims...))

	outer, _ := first.outerInner(adjustedAxis)
	dstRow := 0
	for _, part := range parts {
		_, innerBytes := part.outerInner(adjustedAxis)
		dstRow += part.shape.Dimensions[adjustedAxis] * innerBytes
	}
	dstOffset := 0
	for _, part := range parts {
		_, innerBytes := part.outerInner(adjustedAxis)
		srcRow := part.shape.Dimensions[adjustedAxis] * innerBytes
		for o := 0; o < outer; o++ {
			copy(result.data[o*dstRow+dstOffset:o*dstRow+dstOffset+srcRow], part.data[o*srcRow:])
		}
		dstOffset += srcRow
	}
	return result, nil
}

// Add returns a + b, elementwise.
//
// If b has rank 1 and its dimension matches a's last axis, it is broadcast
// over the leading axes -- the shape a bias re-add takes after a row-parallel
// reduction. Otherwise, the shapes must match exactly.
func Add(a, b *Tensor) (*Tensor, error) {
	if a.shape.DType != b.shape.DType {
		return nil, errors.Errorf("Add: mismatching dtypes %s and %s", a.shape.DType, b.shape.DType)
	}
	broadcast := false
	if !a.shape.Equal(b.shape) {
		if b.Rank() == 1 && a.Rank() >= 1 && b.shape.Dimensions[0] == a.shape.Dim(-1) {
			broadcast = true
		} else {
			return nil, errors.Errorf("Add: incompatible shapes %s and %s", a.shape, b.shape)
		}
	}

	aF, err := a.Float64Values()
	if err != nil {
		return nil, errors.WithMessage(err, "Add")
	}
	bF, err := b.Float64Values()
	if err != nil {
		return nil, errors.WithMessage(err, "Add")
	}
	sum := make([]float64, len(aF))
	if broadcast {
		n := len(bF)
		for i, v := range aF {
			sum[i] = v + bF[i%n]
		}
	} else {
		for i, v := range aF {
			sum[i] = v + bF[i]
		}
	}
	return fromFloat64Values(sum, a.shape)
}
