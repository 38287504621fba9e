package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuffixFilter(t *testing.T) {
	f := NewSuffixFilter(".pdf", " .PDFA ", "")

	tests := []struct {
		key  string
		want bool
	}{
		{"test.pdf", true},
		{"reports/Q3.PDF", true},
		{"archive.pdfa", true},
		{"notes.txt", false},
		{"pdf", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.Match(tt.key), tt.key)
	}
	assert.Equal(t, []string{".pdf", ".pdfa"}, f.Suffixes())
}

func TestSuffixFilter_Empty(t *testing.T) {
	f := NewSuffixFilter()
	assert.True(t, f.Match("anything.bin"))
	assert.False(t, f.Match(""))

	var nilFilter *SuffixFilter
	assert.True(t, nilFilter.Match("x"))
	assert.Nil(t, nilFilter.Suffixes())
}
