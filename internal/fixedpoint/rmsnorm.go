package fixedpoint

import "github.com/embodios/embodios-core/internal/errs"

// RMSNorm computes out[i] = (x[i] / (rms + Epsilon)) * weight[i], where rms
// is the mean of the squares of x (no square root is taken), accumulated in
// 64 bits before the single normalizing shift (spec.md §4.5). Epsilon guards the all-zero case: when
// x is entirely zero, rms is zero and the division degrades to 0/Epsilon,
// preserving the invariant that the output is zero iff the input is zero.
func RMSNorm(x, weight, out []Fixed) error {
	n := len(x)
	if len(weight) != n || len(out) != n {
		return errs.New("fixedpoint.RMSNorm", errs.KindInvalidArgument, "length mismatch")
	}
	if n == 0 {
		return errs.New("fixedpoint.RMSNorm", errs.KindInvalidArgument, "empty vector")
	}

	var sumSq int64
	for i := 0; i < n; i++ {
		sumSq += int64(x[i]) * int64(x[i])
	}
	// sumSq is Q32.32 (each term is a raw Q16.16 product); bring it back to
	// Q16.16 with one shift before the integer-count divide.
	meanSq := (sumSq >> fracBits) / int64(n)

	rms := Fixed(meanSq)
	denom := Add(rms, Epsilon)

	for i := 0; i < n; i++ {
		ratio, err := Div(x[i], denom)
		if err != nil {
			return err
		}
		out[i] = Mul(ratio, weight[i])
	}
	return nil
}
