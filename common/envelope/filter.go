package envelope

import "strings"

// SuffixFilter accepts object keys ending in one of a fixed set of suffixes,
// compared case-insensitively. An empty filter accepts every non-empty key.
type SuffixFilter struct {
	suffixes []string
}

// NewSuffixFilter builds a filter from suffixes such as ".pdf". Blank entries are dropped.
func NewSuffixFilter(suffixes ...string) *SuffixFilter {
	f := &SuffixFilter{}
	for _, s := range suffixes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			f.suffixes = append(f.suffixes, s)
		}
	}
	return f
}

// Match reports whether key is non-empty and carries an accepted suffix.
func (f *SuffixFilter) Match(key string) bool {
	if key == "" {
		return false
	}
	if f == nil || len(f.suffixes) == 0 {
		return true
	}
	lower := strings.ToLower(key)
	for _, s := range f.suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// Suffixes returns the normalized suffix list.
func (f *SuffixFilter) Suffixes() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.suffixes...)
}
