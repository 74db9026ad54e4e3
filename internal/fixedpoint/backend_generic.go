//go:build !amd64 && !arm64

package fixedpoint

// On architectures without a vectorized implementation the scalar
// reference is the default, mirroring the teacher's kernelopcode_stub.go
// fallback for build configurations with no specialized path available.
var defaultBackend Backend = Scalar
