package crypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCMRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := FromKey(key)
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("unassigned cash 120.00"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "unassigned")

	again, err := c.Seal([]byte("unassigned cash 120.00"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces differ per seal")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "unassigned cash 120.00", string(plain))
}

func TestOpenWithWrongKey(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	a, err := FromKey(k1)
	require.NoError(t, err)
	b, err := FromKey(k2)
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("budget"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = b.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestParseKey(t *testing.T) {
	_, err := ParseKey("not base64 !!")
	assert.Error(t, err)

	_, err = ParseKey("AAAA")
	assert.ErrorContains(t, err, "3 bytes")

	key, err := ParseKey("AAAAAAAAAAAAAAAAAAAAAA==")
	require.NoError(t, err)
	assert.Len(t, key, 16)
}

func TestEmptyKeyIsPlaintext(t *testing.T) {
	c, err := FromKey("  ")
	require.NoError(t, err)
	assert.IsType(t, Plaintext{}, c)
}
