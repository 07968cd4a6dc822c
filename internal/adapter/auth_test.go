package adapter

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashCredentialFormat(t *testing.T) {
	hash, err := hashCredential("hunter2")
	require.NoError(t, err)

	parts := strings.Split(hash, "$")
	require.Len(t, parts, 4)
	assert.Equal(t, "pbkdf2", parts[0])
	assert.Equal(t, "210000", parts[1])
	assert.Len(t, parts[2], pbkdf2SaltLen*2)
	assert.Len(t, parts[3], pbkdf2KeyLen*2)

	// Random salt: hashing the same credential twice differs.
	other, err := hashCredential("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
}

func TestVerifyCredential(t *testing.T) {
	hash, err := hashCredential("hunter2")
	require.NoError(t, err)

	assert.True(t, verifyCredential("hunter2", hash))
	assert.False(t, verifyCredential("hunter3", hash))
	assert.False(t, verifyCredential("", hash))
}

func TestVerifyCredentialMalformedStored(t *testing.T) {
	cases := []string{
		"",
		"plaintext",
		"pbkdf2$210000$aabb",
		"bcrypt$210000$aabb$ccdd",
		"pbkdf2$zero$aabb$ccdd",
		"pbkdf2$0$aabb$ccdd",
		"pbkdf2$210000$not-hex$ccdd",
		"pbkdf2$210000$aabb$not-hex",
	}
	for _, stored := range cases {
		assert.False(t, verifyCredential("hunter2", stored), "stored %q", stored)
	}
}

func TestGenerateExportKeypair(t *testing.T) {
	pub, privHex, err := generateExportKeypair()
	require.NoError(t, err)
	assert.Len(t, pub, 32)

	priv, err := hex.DecodeString(privHex)
	require.NoError(t, err)
	assert.Len(t, priv, 32)

	pub2, priv2, err := generateExportKeypair()
	require.NoError(t, err)
	assert.NotEqual(t, pub, pub2)
	assert.NotEqual(t, privHex, priv2)
}
