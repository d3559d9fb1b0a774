package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of the process-wide encryption key in bytes.
const KeySize = chacha20poly1305.KeySize

var ErrKeyMissingOrInvalid = errors.New("encryption key missing or invalid")

// Key is the process-wide symmetric secret. It is loaded once at startup and
// owned by the Vault.
type Key [KeySize]byte

// LoadOrCreateKey loads the key at path, generating and persisting a new one
// (mode 0600) only if the file does not exist. An existing file that is empty,
// truncated, or all zeros is never replaced: doing so would silently orphan
// every record encrypted under the old key.
func LoadOrCreateKey(path string) (Key, error) {
	var key Key

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parseKey(raw)
	case !errors.Is(err, fs.ErrNotExist):
		return key, fmt.Errorf("%w: %w", ErrKeyMissingOrInvalid, err)
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return key, fmt.Errorf("create key directory: %w", err)
	}
	if err := renameio.WriteFile(path, key[:], 0o600); err != nil {
		return key, fmt.Errorf("persist key: %w", err)
	}
	return key, nil
}

// LoadKey loads an existing key and fails if it is absent.
func LoadKey(path string) (Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrKeyMissingOrInvalid, err)
	}
	return parseKey(raw)
}

func parseKey(raw []byte) (Key, error) {
	var key Key
	if len(raw) != KeySize {
		return key, fmt.Errorf("%w: expected %d bytes, found %d", ErrKeyMissingOrInvalid, KeySize, len(raw))
	}
	copy(key[:], raw)
	if key.zero() {
		return key, fmt.Errorf("%w: key is all zeros", ErrKeyMissingOrInvalid)
	}
	return key, nil
}

func (k Key) zero() bool {
	var empty Key
	return subtle.ConstantTimeCompare(k[:], empty[:]) == 1
}
