// Package float8 implements conversion to and from the 8-bit floating point
// format F8E4M3FN (1 sign bit, 4 exponent bits, 3 mantissa bits, finite+NaN
// only: the format has no infinities, and only S.1111.111 encodes NaN).
//
// There is no native Go type for 8-bit floats, so tensors with this dtype are
// stored as raw bytes and must be converted to a wider float format before any
// element-wise manipulation.
package float8

import (
	"math"

	"github.com/x448/float16"
)

const (
	expBias   = 7
	maxFinite = 448 // (1 + 6/8) * 2^8, the largest finite E4M3FN value.

	nanBits = 0x7f
)

// ToFloat32 decodes one E4M3FN byte.
func ToFloat32(b uint8) float32 {
	sign := float32(1)
	if b&0x80 != 0 {
		sign = -1
	}
	exp := int(b>>3) & 0xf
	man := int(b) & 0x7
	if exp == 0xf && man == 0x7 {
		return float32(math.NaN())
	}
	if exp == 0 {
		// Subnormal: mantissa/8 * 2^-6.
		return sign * float32(man) / 512
	}
	return sign * float32(1+float64(man)/8) * float32(math.Pow(2, float64(exp-expBias)))
}

// FromFloat32 encodes a float32 into the nearest E4M3FN byte, rounding to
// nearest-even. Values beyond the finite range saturate to ±448 -- the format
// has no infinity to overflow into. NaN encodes as the NaN byte.
func FromFloat32(f float32) uint8 {
	if math.IsNaN(float64(f)) {
		return nanBits
	}
	var sign uint8
	if math.Signbit(float64(f)) {
		sign = 0x80
		f = -f
	}
	if f == 0 {
		return sign
	}
	if f >= maxFinite {
		return sign | 0x7e // exp=1111, man=110 -> 448.
	}

	// Subnormal range: below 2^-6 the encoding is mantissa/8 * 2^-6.
	if f < 0.015625 {
		man := int(math.RoundToEven(float64(f) * 512))
		if man < 8 {
			return sign | uint8(man)
		}
		// Rounded up into the smallest normal.
		return sign | 0x08
	}

	frac, exp := math.Frexp(float64(f)) // f = frac * 2^exp, frac in [0.5, 1).
	// Normalize to 1.mantissa * 2^(exp-1).
	exp--
	man := int(math.RoundToEven((frac*2 - 1) * 8))
	if man == 8 {
		man = 0
		exp++
	}
	if exp > 8 {
		return sign | 0x7e
	}
	return sign | uint8(exp+expBias)<<3 | uint8(man)
}

// ToFloat16 decodes one E4M3FN byte into a float16. Every E4M3FN value is
// exactly representable in float16.
func ToFloat16(b uint8) float16.Float16 {
	return float16.Fromfloat32(ToFloat32(b))
}

// FromFloat16 encodes a float16 into the nearest E4M3FN byte.
func FromFloat16(h float16.Float16) uint8 {
	return FromFloat32(h.Float32())
}
