package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContains(t *testing.T) {
	tests := []struct {
		prefix    string
		partition string
		want      bool
	}{
		{"F1", "F1:U1", true},
		{"F1", "F10:U1", false},
		{"F1", "F1", true},
		{"AB", "A", false},
		{"A", "AB", false},
		{"F1:", "F1:U1", true},
		{"F1:U1", "F1", false},
		{"", "anything", true},
		{"", "", true},
		{"F1:U1", "F1:U1:X", true},
		{"F1:U", "F1:U1", false},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+"|"+tt.partition, func(t *testing.T) {
			assert.Equal(t, tt.want, Contains(tt.prefix, tt.partition))
		})
	}
}

func TestParseFilter(t *testing.T) {
	f := ParseFilter("b:1\n a:2  b:1\n")
	assert.Equal(t, Filter{"a:2", "b:1"}, f)
	assert.Equal(t, "a:2\nb:1", f.String())
	assert.Empty(t, ParseFilter("  \n "))
}

func TestFilterMatches(t *testing.T) {
	f := NewFilter("F1:U1", "F2")

	assert.True(t, f.Matches("F1:U1:x"))
	assert.True(t, f.Matches("F2:anything"))
	assert.False(t, f.Matches("F1:U2"))
	assert.False(t, f.Matches("F20"))
	assert.False(t, Filter{}.Matches("F1"))
}

func TestFilterIsSubsetOf(t *testing.T) {
	parent := NewFilter("F1", "F2:U1")

	assert.True(t, NewFilter("F1:U1", "F2:U1:x").IsSubsetOf(parent))
	assert.True(t, NewFilter().IsSubsetOf(parent))
	assert.False(t, NewFilter("F2").IsSubsetOf(parent))
	assert.False(t, NewFilter("F10").IsSubsetOf(parent))
}

func TestFilterUnion(t *testing.T) {
	u := NewFilter("b", "a").Union(NewFilter("a", "c"))
	assert.Equal(t, Filter{"a", "b", "c"}, u)
	assert.True(t, u.Equal(NewFilter("c", "b", "a")))
}
