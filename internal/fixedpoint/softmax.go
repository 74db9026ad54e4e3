package fixedpoint

import "github.com/embodios/embodios-core/internal/errs"

// expApprox evaluates the second-order fixed-point exponential approximation
// from spec.md §4.5: e^y ≈ 1 + y + y²/2^17 for y <= 0. mulFast already
// normalizes a Q16.16 square by one factor of 2^16, so the extra factor of
// two in 2^17 is a further single-bit shift on top of that.
func expApprox(y Fixed) Fixed {
	ySquared := mulFast(y, y)
	term := ySquared >> 1
	return One + y + term
}

// Softmax normalizes x in place to a probability distribution using the
// three-pass reference algorithm of spec.md §4.5: find the max for
// numerical stability, exponentiate each shifted element and accumulate the
// sum, then divide every exponentiated value by that sum.
func Softmax(x []Fixed) error {
	if len(x) == 0 {
		return errs.New("fixedpoint.Softmax", errs.KindInvalidArgument, "empty vector")
	}

	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}

	exps := make([]Fixed, len(x))
	var sum int64
	for i, v := range x {
		e := expApprox(v - max)
		exps[i] = e
		sum += int64(e)
	}
	if sum == 0 {
		return errs.New("fixedpoint.Softmax", errs.KindInvalidArgument, "zero partition sum")
	}
	if sum > int64(maxFixed) {
		return errs.New("fixedpoint.Softmax", errs.KindInvalidArgument, "partition sum overflows Q16.16 (vector too large)")
	}

	for i, e := range exps {
		ratio, err := Div(e, Fixed(sum))
		if err != nil {
			return err
		}
		x[i] = ratio
	}
	return nil
}
