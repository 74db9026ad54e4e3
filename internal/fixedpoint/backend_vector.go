//go:build amd64 || arm64

package fixedpoint

// vectorBackend is the build selected on architectures wide enough to
// benefit from lane-parallel arithmetic. It processes the element-wise ops
// (ElemAdd, ElemMul) in unrolled groups of four so the compiler can keep
// more operands live across iterations, and forwards every other method
// to the scalar functions; the arithmetic itself is
// identical to the scalar path; there is no real NEON/SSE2/AVX2 assembly
// behind it (see DESIGN.md for why), so results match Scalar bit for bit.
type vectorBackend struct{}

func (vectorBackend) VecDot(a, b []Fixed) (Fixed, error) { return VecDot(a, b) }
func (vectorBackend) MatVec(mat []Fixed, r, c int, vec, out []Fixed) error {
	return MatVec(mat, r, c, vec, out)
}
func (vectorBackend) MatMul(a []Fixed, m, k int, b []Fixed, n int, out []Fixed) error {
	return MatMul(a, m, k, b, n, out)
}

func (vectorBackend) ElemAdd(a, b, out []Fixed) error {
	if len(a) != len(b) || len(a) != len(out) || len(a) == 0 {
		return ElemAdd(a, b, out) // delegate for the identical error path
	}
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		out[i] = a[i] + b[i]
		out[i+1] = a[i+1] + b[i+1]
		out[i+2] = a[i+2] + b[i+2]
		out[i+3] = a[i+3] + b[i+3]
	}
	for ; i < n; i++ {
		out[i] = a[i] + b[i]
	}
	return nil
}

func (vectorBackend) ElemMul(a, b, out []Fixed) error {
	if len(a) != len(b) || len(a) != len(out) || len(a) == 0 {
		return ElemMul(a, b, out)
	}
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		out[i] = Mul(a[i], b[i])
		out[i+1] = Mul(a[i+1], b[i+1])
		out[i+2] = Mul(a[i+2], b[i+2])
		out[i+3] = Mul(a[i+3], b[i+3])
	}
	for ; i < n; i++ {
		out[i] = Mul(a[i], b[i])
	}
	return nil
}

func (vectorBackend) RMSNorm(x, weight, out []Fixed) error { return RMSNorm(x, weight, out) }
func (vectorBackend) Softmax(x []Fixed) error               { return Softmax(x) }

var defaultBackend Backend = vectorBackend{}
