// Package tensors implements a local (host memory) dense tensor: a Shape and
// a flat contiguous data buffer.
//
// The buffer is stored as raw bytes, with the element size given by the
// dtype. This allows holding tensors of the 8-bit float formats, which have
// no native Go type -- those can be stored, sliced along axes and converted,
// but not element-indexed (see IndexSelect).
//
// For dtypes with a Go equivalent, the typed flat data can be accessed with
// the generic functions ConstFlatData, MutableFlatData and CopyFlatData.
package tensors

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/pkg/errors"
)

// Tensor holds a dense tensor in host memory.
type Tensor struct {
	shape shapes.Shape
	data  []byte
}

// newTensor allocates a zero-initialized tensor for the shape.
// The buffer is allocated 8-byte aligned so flat data can be reinterpreted as
// any of the supported element types.
func newTensor(shape shapes.Shape) *Tensor {
	numBytes := int(shape.Memory())
	backing := make([]uint64, (numBytes+7)/8)
	var data []byte
	if numBytes > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), numBytes)
	}
	return &Tensor{shape: shape, data: data}
}

// FromShape returns a Tensor with the given shape, with the data initialized
// with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("tensors.FromShape: invalid shape"))
	}
	return newTensor(shape)
}

// FromFlatDataAndDimensions creates a tensor with the given flat data and
// dimensions. The dtype is inferred from the Go type T.
//
// It panics if the data size doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		panic(errors.Errorf("tensors.FromFlatDataAndDimensions: data has %d elements, but shape %s has %d",
			len(data), shape, shape.Size()))
	}
	t := newTensor(shape)
	copy(t.data, unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), len(data)*int(unsafe.Sizeof(data[0]))))
	return t
}

// FromAnyValue creates a tensor from a Go value: a POD scalar or a (nested)
// slice of PODs. The shape is inferred with shapes.FromAnyValue.
func FromAnyValue(value any) (*Tensor, error) {
	shape, err := shapes.FromAnyValue(value)
	if err != nil {
		return nil, err
	}
	t := newTensor(shape)
	elemSize := t.ElemSize()
	pos := 0
	var copyRecursive func(v reflect.Value)
	copyRecursive = func(v reflect.Value) {
		if v.Kind() != reflect.Slice {
			src := unsafe.Slice((*byte)(v.Addr().UnsafePointer()), elemSize)
			copy(t.data[pos*elemSize:], src)
			pos++
			return
		}
		for i := 0; i < v.Len(); i++ {
			copyRecursive(v.Index(i))
		}
	}
	// Values must be addressable for UnsafePointer, so go through a pointer copy.
	vPtr := reflect.New(reflect.TypeOf(value))
	vPtr.Elem().Set(reflect.ValueOf(value))
	copyRecursive(vPtr.Elem())
	return t, nil
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape {
	return t.shape
}

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType {
	return t.shape.DType
}

// Rank of the tensor's shape.
func (t *Tensor) Rank() int {
	return t.shape.Rank()
}

// Size is the number of elements.
func (t *Tensor) Size() int {
	return t.shape.Size()
}

// ElemSize is the size in bytes of one element.
func (t *Tensor) ElemSize() int {
	return shapes.DTypeSize(t.shape.DType)
}

// Bytes returns the tensor's backing buffer. The buffer is owned by the
// tensor; mutating it mutates the tensor.
func (t *Tensor) Bytes() []byte {
	return t.data
}

// IsFloat returns whether the dtype is a (any width) float format.
func (t *Tensor) IsFloat() bool {
	return t.shape.DType.IsFloat() || isFloat8(t.shape.DType)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t2 := newTensor(t.shape.Clone())
	copy(t2.data, t.data)
	return t2
}

// Equal returns whether both tensors have the same shape and bit-identical
// contents.
func (t *Tensor) Equal(t2 *Tensor) bool {
	if !t.shape.Equal(t2.shape) {
		return false
	}
	for i, b := range t.data {
		if t2.data[i] != b {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer. It prints the shape only: tensors can be
// arbitrarily large.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%s]", t.shape)
}

// flatLen returns the number of elements, checking the tensor's dtype matches
// the requested Go type.
func flatLen[T dtypes.Supported](t *Tensor) int {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		panic(errors.Errorf("tensor has dtype %s, cannot access it as a flat slice of %T",
			t.shape.DType, v))
	}
	return t.Size()
}

// ConstFlatData calls accessFn with the flat data of the tensor.
// The slice is only valid during the call, and must not be mutated.
//
// It panics if T doesn't match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	n := flatLen[T](t)
	if n == 0 {
		accessFn(nil)
		return
	}
	accessFn(unsafe.Slice((*T)(unsafe.Pointer(&t.data[0])), n))
}

// MutableFlatData calls accessFn with the flat data of the tensor, which may
// be mutated in place.
//
// It panics if T doesn't match the tensor's dtype.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	ConstFlatData[T](t, accessFn)
}

// CopyFlatData returns a copy of the tensor's flat data as a slice of T.
//
// It panics if T doesn't match the tensor's dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var data []T
	ConstFlatData[T](t, func(flat []T) {
		data = make([]T, len(flat))
		copy(data, flat)
	})
	return data
}
