// Package fixedpoint implements the Q16.16 signed fixed-point arithmetic
// used by the weight dequantizer and inference kernel (spec.md §4.5): a
// 32-bit value with 16 fractional bits, multiplied through a 64-bit
// accumulator to avoid intermediate overflow.
package fixedpoint

import (
	"math"

	"github.com/embodios/embodios-core/internal/errs"
)

// Fixed is a Q16.16 signed fixed-point number: bit 31 is sign, bits
// [16:31) are the integer part, bits [0:16) are the fraction.
type Fixed int32

const (
	fracBits = 16

	// One is the fixed-point representation of 1.0.
	One Fixed = 1 << fracBits
	// Epsilon is the smallest representable positive value, used as the
	// RMSNorm stabilizer (§4.5).
	Epsilon Fixed = 1

	maxFixed = Fixed(math.MaxInt32)
	minFixed = Fixed(math.MinInt32)
)

// FromInt converts a plain integer to Q16.16.
func FromInt(n int32) Fixed { return Fixed(n) << fracBits }

// FromFloat64 converts a float64 to Q16.16 by rounding to the nearest
// representable value; used only at load boundaries (weight dequantization),
// never in the inner inference loop.
func FromFloat64(f float64) Fixed {
	scaled := f * float64(One)
	if scaled >= float64(maxFixed) {
		return maxFixed
	}
	if scaled <= float64(minFixed) {
		return minFixed
	}
	return Fixed(math.Round(scaled))
}

// Float64 returns the real value represented by f, for logging and tests.
func (f Fixed) Float64() float64 { return float64(f) / float64(One) }

func saturate64(v int64) Fixed {
	if v > int64(maxFixed) {
		return maxFixed
	}
	if v < int64(minFixed) {
		return minFixed
	}
	return Fixed(v)
}

// Mul is the public, saturating Q16.16 multiply: the 64-bit product is
// shifted right by the fractional width and clamped to the Fixed range
// (spec.md §4.5, "Saturation is applied at the public fixed_mul").
func Mul(a, b Fixed) Fixed {
	product := int64(a) * int64(b)
	return saturate64(product >> fracBits)
}

// mulFast is the non-saturating inner-loop variant: it narrows by a plain
// int32 conversion and wraps on overflow instead of clamping. Used by
// Softmax's exponential approximation (expApprox), where the reference
// semantics call for wraparound rather than saturation.
func mulFast(a, b Fixed) Fixed {
	return Fixed((int64(a) * int64(b)) >> fracBits)
}

// Add is a plain Q16.16 addition; both operands share the same scale so no
// shift is needed. Wraps on overflow like the underlying int32, matching
// the teacher corpus's general avoidance of saturating add where no spec
// invariant requires it.
func Add(a, b Fixed) Fixed { return a + b }

// Div is a Q16.16 division performed in 64 bits: the dividend is
// pre-shifted left by the fractional width before the integer divide so
// the quotient keeps Q16.16 scale (spec.md §4.5, "division performed in 64
// bits"). Dividing by zero returns an error rather than panicking.
func Div(a, b Fixed) (Fixed, error) {
	if b == 0 {
		return 0, errs.New("fixedpoint.Div", errs.KindInvalidArgument, "division by zero")
	}
	return saturate64((int64(a) << fracBits) / int64(b)), nil
}

// VecDot computes the Q16.16 dot product of a and b: per spec.md §4.5 the
// reference accumulates raw int64 products across the whole vector and
// shifts right by the fractional width only once, at the end, rather than
// per term — this is the "accumulate wide, normalize once" pattern used
// throughout the inference kernel to avoid truncating each partial sum.
func VecDot(a, b []Fixed) (Fixed, error) {
	if len(a) != len(b) {
		return 0, errs.New("fixedpoint.VecDot", errs.KindInvalidArgument, "length mismatch")
	}
	if len(a) == 0 {
		return 0, errs.New("fixedpoint.VecDot", errs.KindInvalidArgument, "empty vector")
	}
	var acc int64
	for i := range a {
		acc += int64(a[i]) * int64(b[i])
	}
	return Fixed(acc >> fracBits), nil
}

// MatVec computes out = mat*vec for a row-major mat of r rows by c
// columns, one VecDot per row (spec.md §4.5).
func MatVec(mat []Fixed, r, c int, vec []Fixed, out []Fixed) error {
	if r == 0 || c == 0 {
		return errs.New("fixedpoint.MatVec", errs.KindInvalidArgument, "empty vector")
	}
	if len(mat) != r*c {
		return errs.New("fixedpoint.MatVec", errs.KindInvalidArgument, "matrix size mismatch")
	}
	if len(vec) != c || len(out) != r {
		return errs.New("fixedpoint.MatVec", errs.KindInvalidArgument, "vector size mismatch")
	}
	for row := 0; row < r; row++ {
		v, err := VecDot(mat[row*c:row*c+c], vec)
		if err != nil {
			return err
		}
		out[row] = v
	}
	return nil
}

// MatMul computes out = a*b for row-major a (m by k) and b (k by n),
// writing a row-major m by n result (spec.md §4.5).
func MatMul(a []Fixed, m, k int, b []Fixed, n int, out []Fixed) error {
	if m == 0 || k == 0 || n == 0 {
		return errs.New("fixedpoint.MatMul", errs.KindInvalidArgument, "empty vector")
	}
	if len(a) != m*k {
		return errs.New("fixedpoint.MatMul", errs.KindInvalidArgument, "a size mismatch")
	}
	if len(b) != k*n {
		return errs.New("fixedpoint.MatMul", errs.KindInvalidArgument, "b size mismatch")
	}
	if len(out) != m*n {
		return errs.New("fixedpoint.MatMul", errs.KindInvalidArgument, "out size mismatch")
	}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc int64
			for p := 0; p < k; p++ {
				acc += int64(a[i*k+p]) * int64(b[p*n+j])
			}
			out[i*n+j] = Fixed(acc >> fracBits)
		}
	}
	return nil
}

// ElemAdd writes out[i] = a[i] + b[i] for every element.
func ElemAdd(a, b, out []Fixed) error {
	if len(a) != len(b) || len(a) != len(out) {
		return errs.New("fixedpoint.ElemAdd", errs.KindInvalidArgument, "length mismatch")
	}
	if len(a) == 0 {
		return errs.New("fixedpoint.ElemAdd", errs.KindInvalidArgument, "empty vector")
	}
	for i := range a {
		out[i] = Add(a[i], b[i])
	}
	return nil
}

// ElemMul writes out[i] = a[i] * b[i] (Q16.16 multiply with shift, §4.5)
// for every element, saturating through the public Mul.
func ElemMul(a, b, out []Fixed) error {
	if len(a) != len(b) || len(a) != len(out) {
		return errs.New("fixedpoint.ElemMul", errs.KindInvalidArgument, "length mismatch")
	}
	if len(a) == 0 {
		return errs.New("fixedpoint.ElemMul", errs.KindInvalidArgument, "empty vector")
	}
	for i := range a {
		out[i] = Mul(a[i], b[i])
	}
	return nil
}
