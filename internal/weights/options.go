package weights

// ChecksumPolicy selects what ParseEMB does when the EMB checksum
// doesn't match: spec.md §9 leaves this an open policy question and
// names reject as its own stated default, so that is what Options
// carries unless a caller opts into warn-only.
type ChecksumPolicy int

const (
	ChecksumReject ChecksumPolicy = iota
	ChecksumWarnOnly
)

// Options configures format-specific parsing policy knobs.
type Options struct {
	ChecksumPolicy ChecksumPolicy
}

// DefaultOptions returns the spec-stated default: reject a checksum
// mismatch rather than loading a possibly corrupt model.
func DefaultOptions() Options {
	return Options{ChecksumPolicy: ChecksumReject}
}
