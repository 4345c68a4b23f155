package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func facilityDefinition() ScopeDefinition {
	return ScopeDefinition{
		ID:                      "single-user",
		Profile:                 "facility",
		Version:                 1,
		Description:             "Allows syncing data for user ${user_id}",
		ReadFilterTemplate:      "${facility}:shared",
		WriteFilterTemplate:     "${facility}:user-ro:${user_id}",
		ReadWriteFilterTemplate: "${facility}:user-rw:${user_id}",
	}
}

func TestSubstitute(t *testing.T) {
	params := map[string]string{"a": "x", "b_2": "y"}

	tests := []struct {
		tmpl string
		want string
	}{
		{"plain", "plain"},
		{"${a}:${b_2}", "x:y"},
		{"$a:$b_2", "x:y"},
		{"cost $$5", "cost $5"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := Substitute(tt.tmpl, params)
		require.NoError(t, err, tt.tmpl)
		assert.Equal(t, tt.want, got)
	}
}

func TestSubstituteErrors(t *testing.T) {
	params := map[string]string{"a": "x"}

	for _, tmpl := range []string{"${missing}", "$missing", "${a", "${}", "${1a}", "$-", "trailing$"} {
		t.Run(tmpl, func(t *testing.T) {
			_, err := Substitute(tmpl, params)
			var te *TemplateError
			assert.ErrorAs(t, err, &te)
		})
	}
}

func TestInstantiateComposesFilters(t *testing.T) {
	scope, err := facilityDefinition().Instantiate(map[string]string{
		"facility": "F1",
		"user_id":  "U1",
	})
	require.NoError(t, err)

	assert.Equal(t, Filter{"F1:shared", "F1:user-rw:U1"}, scope.Read)
	assert.Equal(t, Filter{"F1:user-ro:U1", "F1:user-rw:U1"}, scope.Write)
	assert.True(t, scope.Allows(OpRead, "F1:shared:x"))
	assert.False(t, scope.Allows(OpWrite, "F1:shared:x"))
	assert.True(t, scope.Allows(OpWrite, "F1:user-rw:U1:x"))
}

func TestInstantiateFailsOnMissingParam(t *testing.T) {
	_, err := facilityDefinition().Instantiate(map[string]string{"facility": "F1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id")
}

func TestScopeIsSubsetOf(t *testing.T) {
	parent := NewScope(NewFilter("F1"), NewFilter("F1:U1"), nil)

	tests := []struct {
		name  string
		child Scope
		want  bool
	}{
		{"equal", parent, true},
		{"narrower read", NewScope(NewFilter("F1:x"), nil, nil), true},
		{"wider read", NewScope(NewFilter("F2"), nil, nil), false},
		{"write outside", NewScope(nil, NewFilter("F1:U2"), nil), false},
		{"rw needs both", NewScope(nil, nil, NewFilter("F1:U1:a")), true},
		{"rw only readable", NewScope(nil, nil, NewFilter("F1:U2")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.child.IsSubsetOf(parent))
		})
	}
}

func TestDescribe(t *testing.T) {
	desc, err := facilityDefinition().Describe(map[string]string{"user_id": "U1"})
	require.NoError(t, err)
	assert.Equal(t, "Allows syncing data for user U1", desc)
}
