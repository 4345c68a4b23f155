package partition

import (
	"sort"
	"strings"
)

// Delimiter separates partition segments.
const Delimiter = ":"

// Contains reports whether prefix contains partition.
//
// The empty prefix contains everything. Otherwise partition must equal
// prefix, or extend it with a delimiter directly after the prefix. A prefix
// that itself ends in the delimiter matches any continuation.
func Contains(prefix, partition string) bool {
	if prefix == "" || partition == prefix {
		return true
	}
	if !strings.HasPrefix(partition, prefix) {
		return false
	}
	if strings.HasSuffix(prefix, Delimiter) {
		return true
	}
	return strings.HasPrefix(partition[len(prefix):], Delimiter)
}

// Filter is an unordered set of partition prefixes, held sorted and
// deduplicated.
type Filter []string

// NewFilter builds a Filter from prefixes, dropping duplicates.
func NewFilter(prefixes ...string) Filter {
	seen := make(map[string]struct{}, len(prefixes))
	f := make(Filter, 0, len(prefixes))
	for _, p := range prefixes {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		f = append(f, p)
	}
	sort.Strings(f)
	return f
}

// ParseFilter splits a whitespace or newline separated filter string.
func ParseFilter(s string) Filter {
	return NewFilter(strings.Fields(s)...)
}

// String serialises the filter newline-separated, the persisted form.
func (f Filter) String() string {
	return strings.Join(f, "\n")
}

// Matches reports whether any prefix in f contains partition.
func (f Filter) Matches(partition string) bool {
	for _, p := range f {
		if Contains(p, partition) {
			return true
		}
	}
	return false
}

// IsSubsetOf reports whether every prefix of f is contained by some prefix
// of other.
func (f Filter) IsSubsetOf(other Filter) bool {
	for _, p := range f {
		if !other.Matches(p) {
			return false
		}
	}
	return true
}

// Union returns the prefixes of f and other combined.
func (f Filter) Union(other Filter) Filter {
	all := make([]string, 0, len(f)+len(other))
	all = append(all, f...)
	all = append(all, other...)
	return NewFilter(all...)
}

// Equal reports whether f and other hold the same prefixes.
func (f Filter) Equal(other Filter) bool {
	if len(f) != len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}
