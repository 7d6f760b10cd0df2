package tensors

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tensorparallel/internal/float8"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Dtype conversion.
//
// Conversion goes through float64, which represents every value of every
// supported dtype exactly, so converting between integer types is lossless.

func isFloat8(dtype dtypes.DType) bool {
	return dtype == dtypes.F8E4M3FN
}

// supportedDTypes are the dtypes a parameter can be partitioned or cast to.
var supportedDTypes = []dtypes.DType{
	dtypes.Bool,
	dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
	dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
	dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
	dtypes.F8E4M3FN,
}

// IsSupportedDType returns whether this package can hold and convert tensors
// of the given dtype.
func IsSupportedDType(dtype dtypes.DType) bool {
	for _, d := range supportedDTypes {
		if d == dtype {
			return true
		}
	}
	return false
}

// IsGatherableDType returns whether IndexSelect works for the dtype. The 8-bit
// float formats have no native Go element type and must be converted to a
// wider float before gathering.
func IsGatherableDType(dtype dtypes.DType) bool {
	return !isFloat8(dtype)
}

// Float64Values returns the tensor's elements converted to float64, in flat
// (row-major) order. Booleans convert to 0 or 1.
func (t *Tensor) Float64Values() ([]float64, error) {
	out := make([]float64, t.Size())
	switch t.shape.DType {
	case dtypes.Bool:
		ConstFlatData[bool](t, func(flat []bool) {
			for i, v := range flat {
				if v {
					out[i] = 1
				}
			}
		})
	case dtypes.Int8:
		copyToFloat64[int8](t, out)
	case dtypes.Int16:
		copyToFloat64[int16](t, out)
	case dtypes.Int32:
		copyToFloat64[int32](t, out)
	case dtypes.Int64:
		copyToFloat64[int64](t, out)
	case dtypes.Uint8:
		copyToFloat64[uint8](t, out)
	case dtypes.Uint16:
		copyToFloat64[uint16](t, out)
	case dtypes.Uint32:
		copyToFloat64[uint32](t, out)
	case dtypes.Uint64:
		copyToFloat64[uint64](t, out)
	case dtypes.Float32:
		copyToFloat64[float32](t, out)
	case dtypes.Float64:
		copyToFloat64[float64](t, out)
	case dtypes.Float16:
		ConstFlatData[float16.Float16](t, func(flat []float16.Float16) {
			for i, v := range flat {
				out[i] = float64(v.Float32())
			}
		})
	case dtypes.BFloat16:
		ConstFlatData[bfloat16.BFloat16](t, func(flat []bfloat16.BFloat16) {
			for i, v := range flat {
				out[i] = float64(v.Float32())
			}
		})
	case dtypes.F8E4M3FN:
		for i, b := range t.data {
			out[i] = float64(float8.ToFloat32(b))
		}
	default:
		return nil, errors.Errorf("Float64Values: unsupported dtype %s", t.shape.DType)
	}
	return out, nil
}

func copyToFloat64[T interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}](t *Tensor, out []float64) {
	ConstFlatData[T](t, func(flat []T) {
		for i, v := range flat {
			out[i] = float64(v)
		}
	})
}

// fromFloat64Values builds a tensor of the given shape from float64 element
// values.
func fromFloat64Values(values []float64, shape shapes.Shape) (*Tensor, error) {
	t := newTensor(shape)
	switch shape.DType {
	case dtypes.Bool:
		MutableFlatData[bool](t, func(flat []bool) {
			for i, v := range values {
				flat[i] = v != 0
			}
		})
	case dtypes.Int8:
		copyFromFloat64[int8](t, values)
	case dtypes.Int16:
		copyFromFloat64[int16](t, values)
	case dtypes.Int32:
		copyFromFloat64[int32](t, values)
	case dtypes.Int64:
		copyFromFloat64[int64](t, values)
	case dtypes.Uint8:
		copyFromFloat64[uint8](t, values)
	case dtypes.Uint16:
		copyFromFloat64[uint16](t, values)
	case dtypes.Uint32:
		copyFromFloat64[uint32](t, values)
	case dtypes.Uint64:
		copyFromFloat64[uint64](t, values)
	case dtypes.Float32:
		copyFromFloat64[float32](t, values)
	case dtypes.Float64:
		copyFromFloat64[float64](t, values)
	case dtypes.Float16:
		MutableFlatData[float16.Float16](t, func(flat []float16.Float16) {
			for i, v := range values {
				flat[i] = float16.Fromfloat32(float32(v))
			}
		})
	case dtypes.BFloat16:
		MutableFlatData[bfloat16.BFloat16](t, func(flat []bfloat16.BFloat16) {
			for i, v := range values {
				flat[i] = bfloat16.FromFloat32(float32(v))
			}
		})
	case dtypes.F8E4M3FN:
		for i, v := range values {
			t.data[i] = float8.FromFloat32(float32(v))
		}
	default:
		return nil, errors.Errorf("cannot build tensor: unsupported dtype %s", shape.DType)
	}
	return t, nil
}

func copyFromFloat64[T interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}](t *Tensor, values []float64) {
	MutableFlatData[T](t, func(flat []T) {
		for i, v := range values {
			flat[i] = T(v)
		}
	})
}

// ConvertTo returns the tensor cast to the given dtype. If the dtype already
// matches, it returns a clone.
func (t *Tensor) ConvertTo(dtype dtypes.DType) (*Tensor, error) {
	if dtype == t.shape.DType {
		return t.Clone(), nil
	}
	if !IsSupportedDType(dtype) {
		return nil, errors.Errorf("ConvertTo: unsupported target dtype %s", dtype)
	}
	values, err := t.Float64Values()
	if err != nil {
		return nil, errors.WithMessagef(err, "ConvertTo(%s)", dtype)
	}
	return fromFloat64Values(values, shapes.Make(dtype, t.shape.Dimensions...))
}

// safetensorsDTypes maps the dtype names used in safetensors checkpoint
// headers to DTypes.
var safetensorsDTypes = map[string]dtypes.DType{
	"BOOL":    dtypes.Bool,
	"U8":      dtypes.Uint8,
	"I8":      dtypes.Int8,
	"I16":     dtypes.Int16,
	"U16":     dtypes.Uint16,
	"I32":     dtypes.Int32,
	"U32":     dtypes.Uint32,
	"I64":     dtypes.Int64,
	"U64":     dtypes.Uint64,
	"F16":     dtypes.Float16,
	"BF16":    dtypes.BFloat16,
	"F32":     dtypes.Float32,
	"F64":     dtypes.Float64,
	"F8_E4M3": dtypes.F8E4M3FN,
}

// DTypeFromSafetensors converts a safetensors dtype name (e.g. "BF16",
// "F8_E4M3") to the corresponding DType.
func DTypeFromSafetensors(name string) (dtypes.DType, error) {
	dtype, found := safetensorsDTypes[name]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unknown safetensors dtype %q", name)
	}
	return dtype, nil
}
