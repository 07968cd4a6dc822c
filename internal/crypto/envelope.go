package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"acms/internal/logging"
	"acms/internal/types"
)

// Envelope format:
//
//	version(1) | dekLen(2, big-endian) | wrapped DEK | nonce(24) | AEAD ciphertext
//
// The wrapped DEK is itself wrapNonce(24) | sealed DEK. Algorithm, nonce size,
// and tag size are fixed; the version byte is the only negotiation.
const (
	envelopeVersion = 1

	dekSize   = 32
	nonceSize = chacha20poly1305.NonceSizeX

	// topicSalt is the HKDF salt for topic key derivation.
	topicSalt = "acms_topic_kek_v1"
)

// ErrVersionUnsupported reports an envelope version this build cannot read.
var ErrVersionUnsupported = errors.New("envelope version unsupported")

// KeyManager derives topic keys, wraps per-record data keys, and tracks topic
// key versions. Key material is scoped to (user, topic): the topic key mixes
// the master key with a destroyable sealed secret held per user and topic, so
// DestroyTopicKeys is a true crypto-erasure that never reaches across users.
type KeyManager struct {
	backend HardwareBackend

	mu    sync.Mutex
	cache map[string]cachedKey // key id -> unwrapped topic key
	// versions tracks the current key version per (user, topic) scope.
	versions map[string]int

	cacheTTL time.Duration
}

type cachedKey struct {
	key     []byte
	expires time.Time
}

// NewKeyManager creates a key manager over the given backend.
func NewKeyManager(backend HardwareBackend, cacheTTL time.Duration) *KeyManager {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &KeyManager{
		backend:  backend,
		cache:    make(map[string]cachedKey),
		versions: make(map[string]int),
		cacheTTL: cacheTTL,
	}
}

// keyScope joins a user and topic into the scope key material is held under.
func keyScope(userID, topic string) string {
	return userID + "/" + topic
}

// KeyID composes the recorded key identifier for a user's topic key version.
func KeyID(userID, topic string, version int) string {
	return keyScope(userID, topic) + "/v" + strconv.Itoa(version)
}

// parseKeyID splits a key id back into its (user, topic) scope and version.
func parseKeyID(keyID string) (scope string, version int, err error) {
	i := strings.LastIndex(keyID, "/v")
	if i < 0 {
		return "", 0, fmt.Errorf("%w: malformed key id %q", types.ErrValidation, keyID)
	}
	version, err = strconv.Atoi(keyID[i+2:])
	if err != nil || version < 1 {
		return "", 0, fmt.Errorf("%w: malformed key id %q", types.ErrValidation, keyID)
	}
	return keyID[:i], version, nil
}

// CurrentKeyID returns the key id new records for a user's topic are written
// under, initializing the scope's key material on first use.
func (km *KeyManager) CurrentKeyID(userID, topic string) (string, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	scope := keyScope(userID, topic)
	v, err := km.currentVersionLocked(scope)
	if err != nil {
		return "", err
	}
	return KeyID(userID, topic, v), nil
}

func (km *KeyManager) currentVersionLocked(scope string) (int, error) {
	if v, ok := km.versions[scope]; ok {
		return v, nil
	}
	// Find the highest sealed version; scopes start at v1.
	v := 0
	for next := 1; ; next++ {
		if _, err := km.backend.Unseal(topicSecretName(scope, next)); err != nil {
			break
		}
		v = next
	}
	if v == 0 {
		if err := km.createVersionLocked(scope, 1); err != nil {
			return 0, err
		}
		v = 1
	}
	km.versions[scope] = v
	return v, nil
}

func topicSecretName(scope string, version int) string {
	return "topic-" + strings.ReplaceAll(scope, "/", "-") + "-v" + strconv.Itoa(version)
}

func (km *KeyManager) createVersionLocked(scope string, version int) error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("failed to generate topic secret: %w", err)
	}
	return km.backend.Seal(topicSecretName(scope, version), secret)
}

// topicKey derives (or fetches from cache) the topic key for a key id.
func (km *KeyManager) topicKey(keyID string) ([]byte, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := time.Now()
	if ck, ok := km.cache[keyID]; ok {
		if now.Before(ck.expires) {
			// Hand out a copy so eviction can zeroize the cached key while
			// an in-flight call still holds its own.
			return append([]byte{}, ck.key...), nil
		}
		zeroize(ck.key)
		delete(km.cache, keyID)
	}

	scope, version, err := parseKeyID(keyID)
	if err != nil {
		return nil, err
	}

	master, err := km.backend.GetMasterKey()
	if err != nil {
		return nil, fmt.Errorf("%w: master key: %v", types.ErrKeyUnavailable, err)
	}
	secret, err := km.backend.Unseal(topicSecretName(scope, version))
	if err != nil {
		return nil, err
	}

	// Mixing the sealed per-scope secret into the HKDF input keeps the topic
	// key destroyable: without the secret, derivation cannot be repeated.
	ikm := append(append([]byte{}, master...), secret...)
	r := hkdf.New(sha256.New, ikm, []byte(topicSalt), []byte(keyID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("topic key derivation failed: %w", err)
	}
	zeroize(ikm)

	km.cache[keyID] = cachedKey{key: key, expires: now.Add(km.cacheTTL)}
	return append([]byte{}, key...), nil
}

// =============================================================================
// ENCRYPT / DECRYPT
// =============================================================================

// Encrypt seals plaintext for a user's topic under a fresh random data key
// and returns the envelope blob plus the key id it was wrapped with.
func (km *KeyManager) Encrypt(plaintext []byte, userID, topic string) ([]byte, string, error) {
	timer := logging.StartTimer(logging.CategoryCrypto, "Encrypt")
	defer timer.Stop()

	keyID, err := km.CurrentKeyID(userID, topic)
	if err != nil {
		return nil, "", err
	}
	kek, err := km.topicKey(keyID)
	if err != nil {
		return nil, "", err
	}
	defer zeroize(kek)

	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, "", fmt.Errorf("failed to generate data key: %w", err)
	}
	defer zeroize(dek)

	// Wrap the DEK under the topic key.
	wrapAEAD, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, "", fmt.Errorf("failed to init wrap cipher: %w", err)
	}
	wrapNonce := make([]byte, nonceSize)
	if _, err := rand.Read(wrapNonce); err != nil {
		return nil, "", fmt.Errorf("failed to generate wrap nonce: %w", err)
	}
	wrapped := append(wrapNonce, wrapAEAD.Seal(nil, wrapNonce, dek, []byte(keyID))...)
	if len(wrapped) > 0xFFFF {
		return nil, "", fmt.Errorf("%w: wrapped key too large", types.ErrInternal)
	}

	// Seal the payload under the DEK. Data keys are per-record and random,
	// so nonces are never reused under a given data key.
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, "", fmt.Errorf("failed to init payload cipher: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, 1+2+len(wrapped)+nonceSize+len(plaintext)+aead.Overhead())
	blob = append(blob, envelopeVersion)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(wrapped)))
	blob = append(blob, lenBuf[:]...)
	blob = append(blob, wrapped...)
	blob = append(blob, nonce...)
	blob = append(blob, aead.Seal(nil, nonce, plaintext, nil)...)

	return blob, keyID, nil
}

// Decrypt opens an envelope blob with the recorded key id.
func (km *KeyManager) Decrypt(blob []byte, keyID string) ([]byte, error) {
	if len(blob) < 1+2 {
		return nil, fmt.Errorf("%w: envelope truncated", types.ErrIntegrityFailure)
	}
	if subtle.ConstantTimeByteEq(blob[0], envelopeVersion) != 1 {
		return nil, fmt.Errorf("%w: version %d", ErrVersionUnsupported, blob[0])
	}

	wrappedLen := int(binary.BigEndian.Uint16(blob[1:3]))
	rest := blob[3:]
	if len(rest) < wrappedLen+nonceSize {
		return nil, fmt.Errorf("%w: envelope truncated", types.ErrIntegrityFailure)
	}
	wrapped := rest[:wrappedLen]
	nonce := rest[wrappedLen : wrappedLen+nonceSize]
	ciphertext := rest[wrappedLen+nonceSize:]

	kek, err := km.topicKey(keyID)
	if err != nil {
		return nil, err
	}
	defer zeroize(kek)

	if len(wrapped) < nonceSize {
		return nil, fmt.Errorf("%w: wrapped key truncated", types.ErrIntegrityFailure)
	}
	wrapAEAD, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to init wrap cipher: %w", err)
	}
	dek, err := wrapAEAD.Open(nil, wrapped[:nonceSize], wrapped[nonceSize:], []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: data key unwrap failed", types.ErrIntegrityFailure)
	}
	defer zeroize(dek)

	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, fmt.Errorf("failed to init payload cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: payload tag mismatch", types.ErrIntegrityFailure)
	}
	return plaintext, nil
}

// =============================================================================
// ROTATION AND DESTRUCTION
// =============================================================================

// RotateTopic produces a new key version for a user's topic. Existing records
// remain readable under their recorded key ids; re-encryption is lazy on each
// item's next write.
func (km *KeyManager) RotateTopic(userID, topic string) (int, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	scope := keyScope(userID, topic)
	v, err := km.currentVersionLocked(scope)
	if err != nil {
		return 0, err
	}
	next := v + 1
	if err := km.createVersionLocked(scope, next); err != nil {
		return 0, err
	}
	km.versions[scope] = next
	logging.Get(logging.CategoryCrypto).Infow("topic key rotated",
		"user", userID, "topic", topic, "version", next)
	return next, nil
}

// DestroyTopicKeys unrecoverably removes all key versions for one user's
// topic. Other users' keys for the same topic name are untouched.
func (km *KeyManager) DestroyTopicKeys(userID, topic string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	scope := keyScope(userID, topic)
	v, err := km.currentVersionLocked(scope)
	if err != nil {
		if errors.Is(err, types.ErrKeyUnavailable) {
			return nil
		}
		return err
	}
	for version := 1; version <= v; version++ {
		if err := km.backend.Destroy(topicSecretName(scope, version)); err != nil {
			return fmt.Errorf("failed to destroy key for %s v%d: %w", scope, version, err)
		}
		keyID := KeyID(userID, topic, version)
		if ck, ok := km.cache[keyID]; ok {
			zeroize(ck.key)
			delete(km.cache, keyID)
		}
	}
	delete(km.versions, scope)
	logging.Get(logging.CategoryCrypto).Infow("topic keys destroyed",
		"user", userID, "topic", topic, "versions", v)
	return nil
}

// EvictExpired drops expired cache entries, zeroizing their key material.
func (km *KeyManager) EvictExpired() {
	km.mu.Lock()
	defer km.mu.Unlock()
	now := time.Now()
	for id, ck := range km.cache {
		if now.After(ck.expires) {
			zeroize(ck.key)
			delete(km.cache, id)
		}
	}
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
