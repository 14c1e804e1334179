// Package localstore persists client-side material on disk: the downloaded
// recipient (Cape) public key and, optionally, passphrase-encrypted
// function credentials. It is deliberately dumb storage; all trust
// decisions happen before data reaches it.
package localstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/capeprivacy/go-cape/cryptoutils"
)

// KeyCache stores the recipient public key (DER) under a config directory.
// The key is public material, so files are created world-readable while the
// directory stays private to the user.
type KeyCache struct {
	Dir      string
	Filename string
}

// Path returns the full path of the cached key file.
func (kc *KeyCache) Path() string {
	return filepath.Join(kc.Dir, kc.Filename)
}

// Load reads the cached key. A missing file is reported via fs.ErrNotExist
// so callers can fall back to fetching.
func (kc *KeyCache) Load() ([]byte, error) {
	return os.ReadFile(kc.Path())
}

// Save writes the key, creating the config directory as needed.
func (kc *KeyCache) Save(key []byte) error {
	if err := os.MkdirAll(kc.Dir, 0o700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}
	if err := os.WriteFile(kc.Path(), key, 0o644); err != nil {
		return fmt.Errorf("could not persist key: %w", err)
	}
	return nil
}

// CredentialStore keeps serialized credentials (function references with
// their bearer tokens) encrypted at rest under a passphrase-derived key.
type CredentialStore struct {
	Path       string
	Passphrase []byte
}

// Save encrypts and writes the credential blob.
func (cs *CredentialStore) Save(data []byte) error {
	sealed, err := cryptoutils.EncryptWithPassphrase(cs.Passphrase, data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cs.Path), 0o700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}
	if err := os.WriteFile(cs.Path, sealed, 0o600); err != nil {
		return fmt.Errorf("could not persist credentials: %w", err)
	}
	return nil
}

// Load reads and decrypts the credential blob.
func (cs *CredentialStore) Load() ([]byte, error) {
	sealed, err := os.ReadFile(cs.Path)
	if err != nil {
		return nil, err
	}
	return cryptoutils.DecryptWithPassphrase(cs.Passphrase, sealed)
}
