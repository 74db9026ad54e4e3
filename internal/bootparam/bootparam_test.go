package bootparam

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse_RecognizesModelAndVerbose(t *testing.T) {
	p := Parse("embodios.model=tinyllama embodios.verbose")
	assert.Equal(t, "tinyllama", p.Model)
	assert.True(t, p.Verbose)
}

func TestParse_IgnoresUnknownKeys(t *testing.T) {
	p := Parse("console=ttyS0 root=/dev/sda1 embodios.model=foo quiet")
	assert.Equal(t, "foo", p.Model)
	assert.False(t, p.Verbose)
}

func TestParse_EmptyStringYieldsZeroValue(t *testing.T) {
	p := Parse("")
	assert.Equal(t, Params{}, p)
}

func TestParse_CollapsesRepeatedWhitespace(t *testing.T) {
	p := Parse("  embodios.model=foo    embodios.verbose  ")
	assert.Equal(t, "foo", p.Model)
	assert.True(t, p.Verbose)
}

func TestParse_LastModelValueWins(t *testing.T) {
	p := Parse("embodios.model=foo embodios.model=bar")
	assert.Equal(t, "bar", p.Model)
}

func TestParse_ModelWithoutValueIsIgnored(t *testing.T) {
	p := Parse("embodios.model embodios.verbose")
	assert.Equal(t, "", p.Model)
	assert.True(t, p.Verbose)
}
