package fixedpoint

// Backend is the tensor primitive set the inference kernel drives
// (spec.md §9 design notes): one interface, scalar and vectorized
// implementations behind it, selected once at process start rather than
// branching per call.
type Backend interface {
	VecDot(a, b []Fixed) (Fixed, error)
	MatVec(mat []Fixed, r, c int, vec []Fixed, out []Fixed) error
	MatMul(a []Fixed, m, k int, b []Fixed, n int, out []Fixed) error
	ElemAdd(a, b, out []Fixed) error
	ElemMul(a, b, out []Fixed) error
	RMSNorm(x, weight, out []Fixed) error
	Softmax(x []Fixed) error
}

// scalarBackend is the portable reference implementation: every method
// forwards to the package-level scalar functions above. It is always
// correct and always available, and is what the vectorized backend falls
// back to defines its results against (§8 invariant: "numerical tolerance
// between backends is exact for adds and muls").
type scalarBackend struct{}

func (scalarBackend) VecDot(a, b []Fixed) (Fixed, error) { return VecDot(a, b) }
func (scalarBackend) MatVec(mat []Fixed, r, c int, vec, out []Fixed) error {
	return MatVec(mat, r, c, vec, out)
}
func (scalarBackend) MatMul(a []Fixed, m, k int, b []Fixed, n int, out []Fixed) error {
	return MatMul(a, m, k, b, n, out)
}
func (scalarBackend) ElemAdd(a, b, out []Fixed) error   { return ElemAdd(a, b, out) }
func (scalarBackend) ElemMul(a, b, out []Fixed) error   { return ElemMul(a, b, out) }
func (scalarBackend) RMSNorm(x, weight, out []Fixed) error { return RMSNorm(x, weight, out) }
func (scalarBackend) Softmax(x []Fixed) error           { return Softmax(x) }

// Scalar is the always-available reference backend.
var Scalar Backend = scalarBackend{}

// Default returns the backend selected for this build: the vectorized
// implementation on architectures that have one (see backend_vector.go),
// the scalar reference everywhere else. Selection happens once, at
// package init, the same way the teacher's uring package picks its
// kernel-opcode value per build tag rather than per call.
func Default() Backend { return defaultBackend }
