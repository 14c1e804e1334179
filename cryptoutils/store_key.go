package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const storeKeySaltSize = 16

// DeriveStoreKey derives a 256-bit storage key from a passphrase and salt
// using Argon2id. It is deterministic for fixed inputs so the same
// passphrase re-opens an existing store.
func DeriveStoreKey(passphrase, salt []byte) []byte {
	// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// EncryptWithPassphrase seals data under a key derived from passphrase.
// Output format: [16-byte salt][12-byte GCM nonce][GCM ciphertext].
func EncryptWithPassphrase(passphrase, data []byte) ([]byte, error) {
	salt := make([]byte, storeKeySaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aesGCM, err := storeCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}

	ciphertext := aesGCM.Seal(nil, nonce, data, nil)

	result := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	result = append(result, salt...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase.
func DecryptWithPassphrase(passphrase, data []byte) ([]byte, error) {
	if len(data) < storeKeySaltSize+gcmNonceSize {
		return nil, errors.New("encrypted data too short")
	}

	salt := data[:storeKeySaltSize]
	nonce := data[storeKeySaltSize : storeKeySaltSize+gcmNonceSize]

	aesGCM, err := storeCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, nonce, data[storeKeySaltSize+gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func storeCipher(passphrase, salt []byte) (cipher.AEAD, error) {
	key := DeriveStoreKey(passphrase, salt)

	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
