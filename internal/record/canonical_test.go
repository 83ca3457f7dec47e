package record

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeysByUTF16(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{
		"b":  1,
		"a":  true,
		"\u00e9": "x",
		"aa": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":true,"aa":null,"b":1,"é":"x"}`, string(out))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	out, err := MarshalCanonical("<a&b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(out))
}

func TestMarshalCanonical_NFCNormalizes(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonical_LineSeparatorsLiteral(t *testing.T) {
	out, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(out))

	out, err = MarshalCanonical(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(out))
}

func TestMarshalCanonical_Numbers(t *testing.T) {
	out, err := MarshalCanonical([]any{1, int64(-2), 2.5, 4.0})
	require.NoError(t, err)
	assert.Equal(t, `[1,-2,2.5,4]`, string(out))

	_, err = MarshalCanonical(math.NaN())
	assert.Error(t, err)
	_, err = MarshalCanonical(math.Inf(1))
	assert.Error(t, err)
}

func TestMarshalCanonical_Unsupported(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("Note/n1")
	require.NoError(t, err)
	assert.Equal(t, RecordRef{Type: "Note", Key: "n1"}, ref)
	assert.Equal(t, "Note/n1", ref.String())

	for _, bad := range []string{"", "Note", "/n1", "Note/"} {
		_, err := ParseRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestPredicateNormalize(t *testing.T) {
	assert.Equal(t, PredicateAll, Predicate("").Normalize())
	assert.Equal(t, PredicateAll, Predicate("  ").Normalize())
	assert.Equal(t, Predicate(`kind == "a"`), Predicate(` kind == "a" `).Normalize())

	c := PullCursor{Type: "Note", Predicate: "", Token: "t"}
	assert.True(t, c.Matches("Note", PredicateAll))
	assert.False(t, c.Matches("Folder", PredicateAll))
}

func TestOpKindString(t *testing.T) {
	assert.Equal(t, "upsert", OpUpsert.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "OpKind(9)", OpKind(9).String())
}
