package tagexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		tags []string
		want bool
	}{
		{"", nil, true},
		{"@a", []string{"@a"}, true},
		{"@a", []string{"@b"}, false},
		{"not @a", []string{"@b"}, true},
		{"@a and @b", []string{"@a", "@b"}, true},
		{"@a and @b", []string{"@a"}, false},
		{"@a or @b", []string{"@b"}, true},
		{"@a or @b and @c", []string{"@a"}, true},
		{"@a or @b and @c", []string{"@b"}, false},
		{"(@a or @b) and @c", []string{"@a"}, false},
		{"(@a or @b) and @c", []string{"@b", "@c"}, true},
		{"not (@a or @b)", []string{"@c"}, true},
		{"not not @a", []string{"@a"}, true},
		{`@with\ space`, []string{"@with space"}, true},
		{`@paren\(1\)`, []string{"@paren(1)"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Match(tt.expr, tt.tags)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		"@a @b or",
		"@a and or",
		"or or",
		"(@a and @b",
		"@a and @b)",
		`@x or \y or @z`,
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			assert.Error(t, err)
		})
	}
}

func TestString(t *testing.T) {
	e := MustParse("@a and not (@b or @c)")
	assert.Contains(t, e.String(), "@a and not")

	reparsed, err := Parse(e.String())
	require.NoError(t, err)
	for _, tags := range [][]string{{"@a"}, {"@a", "@b"}, {"@c"}, nil} {
		assert.Equal(t, e.Evaluate(tags), reparsed.Evaluate(tags))
	}

	assert.Equal(t, "true", Always.String())
	blank, err := Parse("  ")
	require.NoError(t, err)
	assert.Equal(t, Always, blank)
	assert.Panics(t, func() { MustParse("(") })
}
