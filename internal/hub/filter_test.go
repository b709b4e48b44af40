package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("status=eq.active")
	require.NoError(t, err)
	assert.Equal(t, &Filter{Column: "status", Op: "eq", Value: "active"}, f)

	f, err = ParseFilter("id=in.(1,2,3)")
	require.NoError(t, err)
	assert.Equal(t, "in", f.Op)
	assert.Equal(t, "(1,2,3)", f.Value)

	f, err = ParseFilter("")
	require.NoError(t, err)
	assert.Nil(t, f, "empty filter matches everything")

	for _, bad := range []string{
		"status",
		"status=active",
		"=eq.x",
		"status=like.act%",
		"id=in.1,2,3",
	} {
		_, err := ParseFilter(bad)
		assert.Error(t, err, bad)
	}
}

func TestFilterEval(t *testing.T) {
	row := map[string]interface{}{
		"id":       float64(42),
		"status":   "open",
		"active":   true,
		"deleted":  nil,
		"quantity": float64(3.5),
	}

	tests := []struct {
		filter string
		want   bool
	}{
		{"id=eq.42", true},
		{"id=eq.41", false},
		{"id=neq.41", true},
		{"id=gt.41", true},
		{"id=gt.42", false},
		{"id=gte.42", true},
		{"id=lt.100", true},
		{"id=lte.42", true},
		{"quantity=gt.3", true},
		{"quantity=lt.3", false},
		{"status=eq.open", true},
		{"status=in.(open,held)", true},
		{"status=in.(closed, held)", false},
		{"id=in.(41, 42)", true},
		{"active=eq.true", true},
		{"active=eq.false", false},
		{"deleted=eq.null", true},
		{"deleted=neq.null", false},
		{"missing=eq.1", false},
	}
	for _, tc := range tests {
		f, err := ParseFilter(tc.filter)
		require.NoError(t, err, tc.filter)
		assert.Equal(t, tc.want, f.Eval(row), tc.filter)
	}

	var none *Filter
	assert.True(t, none.Eval(row), "nil filter always matches")
}
