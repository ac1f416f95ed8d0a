package cell_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanworks/titan/internal/cell"
)

func TestKeyCanonicalForms(t *testing.T) {
	t.Parallel()
	id := uuid.MustParse("8f14e45f-ceea-467f-a34e-9fb1dd6a0c91")

	cases := []struct {
		key  cell.Key
		want string
	}{
		{cell.UUIDKey(id), "u:8f14e45f-ceea-467f-a34e-9fb1dd6a0c91"},
		{cell.StringKey("standard"), "s:standard"},
		{cell.CompoundKey(id, "standard"), "c:8f14e45f-ceea-467f-a34e-9fb1dd6a0c91:standard"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.key.String())

		parsed, err := cell.ParseKey(tc.want)
		require.NoError(t, err)
		assert.Equal(t, tc.key, parsed)
	}
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "x:foo", "u:not-a-uuid", "c:short:x"} {
		_, err := cell.ParseKey(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	t.Parallel()
	id := cell.NewIdentity("Character", cell.CompoundKey(uuid.New(), "hardcore"))

	parsed, err := cell.ParseIdentity(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	text, err := id.MarshalText()
	require.NoError(t, err)
	var back cell.Identity
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)
}
