package crypto

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acms/internal/types"
)

func newTestManager(t *testing.T) *KeyManager {
	t.Helper()
	backend, err := NewSoftwareBackend(t.TempDir())
	require.NoError(t, err)
	return NewKeyManager(backend, time.Minute)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	km := newTestManager(t)

	plaintext := []byte("the meeting moved to thursday")
	blob, keyID, err := km.Encrypt(plaintext, "u1", "work")
	require.NoError(t, err)
	assert.Equal(t, "u1/work/v1", keyID)
	assert.NotContains(t, string(blob), "thursday")

	got, err := km.Decrypt(blob, keyID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptEmptyPayload(t *testing.T) {
	km := newTestManager(t)

	blob, keyID, err := km.Encrypt(nil, "u1", "work")
	require.NoError(t, err)
	got, err := km.Decrypt(blob, keyID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	km := newTestManager(t)

	blob, keyID, err := km.Encrypt([]byte("secret"), "u1", "work")
	require.NoError(t, err)

	tampered := append([]byte{}, blob...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = km.Decrypt(tampered, keyID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrIntegrityFailure))
}

func TestDecryptTamperedWrappedKey(t *testing.T) {
	km := newTestManager(t)

	blob, keyID, err := km.Encrypt([]byte("secret"), "u1", "work")
	require.NoError(t, err)

	tampered := append([]byte{}, blob...)
	// Flip a byte inside the wrapped DEK region, just past the length prefix.
	tampered[3+nonceSize+1] ^= 0x01
	_, err = km.Decrypt(tampered, keyID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrIntegrityFailure))
}

func TestDecryptTruncated(t *testing.T) {
	km := newTestManager(t)

	blob, keyID, err := km.Encrypt([]byte("secret"), "u1", "work")
	require.NoError(t, err)

	for _, n := range []int{0, 1, 2, 5, len(blob) / 2} {
		_, err := km.Decrypt(blob[:n], keyID)
		require.Error(t, err, "prefix of %d bytes", n)
	}
}

func TestDecryptUnsupportedVersion(t *testing.T) {
	km := newTestManager(t)

	blob, keyID, err := km.Encrypt([]byte("secret"), "u1", "work")
	require.NoError(t, err)

	blob[0] = 0x7F
	_, err = km.Decrypt(blob, keyID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionUnsupported))
}

func TestDecryptWrongKeyID(t *testing.T) {
	km := newTestManager(t)

	blob, _, err := km.Encrypt([]byte("secret"), "u1", "work")
	require.NoError(t, err)

	// A different topic's key cannot unwrap the data key.
	_, _, err = km.Encrypt([]byte("x"), "u1", "personal")
	require.NoError(t, err)
	_, err = km.Decrypt(blob, "u1/personal/v1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrIntegrityFailure))
}

func TestTopicIsolation(t *testing.T) {
	km := newTestManager(t)

	a, aID, err := km.Encrypt([]byte("alpha"), "u1", "topic-a")
	require.NoError(t, err)
	b, bID, err := km.Encrypt([]byte("beta"), "u1", "topic-b")
	require.NoError(t, err)
	assert.NotEqual(t, aID, bID)

	gotA, err := km.Decrypt(a, aID)
	require.NoError(t, err)
	gotB, err := km.Decrypt(b, bID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(gotA))
	assert.Equal(t, "beta", string(gotB))
}

func TestRotateTopic(t *testing.T) {
	km := newTestManager(t)

	oldBlob, oldID, err := km.Encrypt([]byte("before rotation"), "u1", "work")
	require.NoError(t, err)
	assert.Equal(t, "u1/work/v1", oldID)

	v, err := km.RotateTopic("u1", "work")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	newBlob, newID, err := km.Encrypt([]byte("after rotation"), "u1", "work")
	require.NoError(t, err)
	assert.Equal(t, "u1/work/v2", newID)

	// Old records stay readable under their recorded key id.
	got, err := km.Decrypt(oldBlob, oldID)
	require.NoError(t, err)
	assert.Equal(t, "before rotation", string(got))

	got, err = km.Decrypt(newBlob, newID)
	require.NoError(t, err)
	assert.Equal(t, "after rotation", string(got))
}

func TestRotationSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewSoftwareBackend(dir)
	require.NoError(t, err)
	km := NewKeyManager(backend, time.Minute)

	_, _, err = km.Encrypt([]byte("x"), "u1", "work")
	require.NoError(t, err)
	_, err = km.RotateTopic("u1", "work")
	require.NoError(t, err)

	// A fresh manager over the same key directory resumes at the highest
	// sealed version.
	backend2, err := NewSoftwareBackend(dir)
	require.NoError(t, err)
	km2 := NewKeyManager(backend2, time.Minute)
	keyID, err := km2.CurrentKeyID("u1", "work")
	require.NoError(t, err)
	assert.Equal(t, "u1/work/v2", keyID)
}

func TestDestroyTopicKeys(t *testing.T) {
	km := newTestManager(t)

	blob, keyID, err := km.Encrypt([]byte("erase me"), "u1", "work")
	require.NoError(t, err)
	_, err = km.RotateTopic("u1", "work")
	require.NoError(t, err)

	require.NoError(t, km.DestroyTopicKeys("u1", "work"))

	_, err = km.Decrypt(blob, keyID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrKeyUnavailable))

	// Other topics are untouched.
	other, otherID, err := km.Encrypt([]byte("still here"), "u1", "personal")
	require.NoError(t, err)
	got, err := km.Decrypt(other, otherID)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(got))
}

func TestDestroyTopicKeysScopedToUser(t *testing.T) {
	km := newTestManager(t)

	// Two users share a topic name; their key material must not.
	blobA, idA, err := km.Encrypt([]byte("alice notes"), "user-a", "work")
	require.NoError(t, err)
	blobB, idB, err := km.Encrypt([]byte("bob notes"), "user-b", "work")
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)

	require.NoError(t, km.DestroyTopicKeys("user-a", "work"))

	_, err = km.Decrypt(blobA, idA)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrKeyUnavailable))

	got, err := km.Decrypt(blobB, idB)
	require.NoError(t, err)
	assert.Equal(t, "bob notes", string(got))
}

func TestParseKeyID(t *testing.T) {
	scope, version, err := parseKeyID("u1/work/v3")
	require.NoError(t, err)
	assert.Equal(t, "u1/work", scope)
	assert.Equal(t, 3, version)

	for _, bad := range []string{"", "work", "u1/work/v0", "u1/work/vx", "u1/work/v-1"} {
		_, _, err := parseKeyID(bad)
		require.Error(t, err, "key id %q", bad)
		assert.True(t, errors.Is(err, types.ErrValidation))
	}
}

func TestSoftwareBackendDestroyIdempotent(t *testing.T) {
	backend, err := NewSoftwareBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, backend.Seal("s", []byte("secret")))
	require.NoError(t, backend.Destroy("s"))
	require.NoError(t, backend.Destroy("s"))
	_, err = backend.Unseal("s")
	assert.True(t, errors.Is(err, types.ErrKeyUnavailable))
}

func TestMasterKeyStable(t *testing.T) {
	backend, err := NewSoftwareBackend(t.TempDir())
	require.NoError(t, err)

	k1, err := backend.GetMasterKey()
	require.NoError(t, err)
	require.Len(t, k1, 32)
	k2, err := backend.GetMasterKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}
