// Package bootparam parses the kernel boot parameter surface (spec.md
// §6): a single space-separated string of keys and key=value pairs.
package bootparam

import "strings"

const (
	// KeyModel selects a model by name: "embodios.model=<name>".
	KeyModel = "embodios.model"
	// KeyVerbose enables a detailed boot summary: "embodios.verbose".
	KeyVerbose = "embodios.verbose"
)

// Params is the parsed boot parameter surface. Unknown keys are ignored
// rather than rejected (§6), so the zero value is always valid.
type Params struct {
	Model   string
	Verbose bool
}

// Parse splits cmdline on whitespace and recognizes embodios.model=<name>
// and embodios.verbose; every other token, recognized-looking or not, is
// silently ignored (§6 "Unknown keys are ignored").
func Parse(cmdline string) Params {
	var p Params
	for _, tok := range strings.Fields(cmdline) {
		key, value, hasValue := strings.Cut(tok, "=")
		switch key {
		case KeyModel:
			if hasValue {
				p.Model = value
			}
		case KeyVerbose:
			p.Verbose = true
		}
	}
	return p
}
