package adapter

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/pbkdf2"

	"acms/internal/types"
)

// =============================================================================
// CREDENTIALS AND EXPORT KEYS
// =============================================================================

const (
	pbkdf2Iterations = 210_000
	pbkdf2SaltLen    = 16
	pbkdf2KeyLen     = 32
)

// hashCredential derives a salted PBKDF2-SHA256 hash in the form
// "pbkdf2$<iterations>$<salt hex>$<hash hex>".
func hashCredential(credential string) (string, error) {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(credential), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return fmt.Sprintf("pbkdf2$%d$%s$%s",
		pbkdf2Iterations, hex.EncodeToString(salt), hex.EncodeToString(key)), nil
}

// verifyCredential checks a credential against a stored hash in constant
// time.
func verifyCredential(credential, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != "pbkdf2" {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(credential), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// generateExportKeypair creates the X25519 pair export bundles seal to. The
// public half persists with the user; the private half is returned exactly
// once at registration and never stored.
func generateExportKeypair() (publicKey []byte, privateKeyHex string, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to generate export keypair", types.ErrInternal)
	}
	return pub[:], hex.EncodeToString(priv[:]), nil
}
