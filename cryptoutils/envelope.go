package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
)

// ErrKeyFormat is returned when a recipient key does not decode to a
// supported public key type.
var ErrKeyFormat = errors.New("recipient key is not a valid RSA public key")

const gcmNonceSize = 12

// EnvelopeEncrypt encrypts plaintext for a long-lived recipient key using
// envelope encryption. A fresh 256-bit AES key seals the plaintext with
// AES-GCM, and the AES key is wrapped with RSA-OAEP/SHA-256 under the
// recipient's public key, which must be a DER-encoded (PKIX) RSA key.
//
// The result is the concatenation of the wrapped key, the GCM nonce and the
// GCM ciphertext. Two calls with identical inputs never produce identical
// output since both the data key and the nonce are fresh per call.
func EnvelopeEncrypt(plaintext, recipientKeyDER []byte) ([]byte, error) {
	rsaKey, err := parseRSAPublicKey(recipientKeyDER)
	if err != nil {
		return nil, err
	}

	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aesBlock, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	dataCiphertext := aesGCM.Seal(nil, nonce, plaintext, nil)

	keyCiphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaKey, dataKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}

	// Format: [wrapped key][nonce][ciphertext]
	result := make([]byte, 0, len(keyCiphertext)+len(nonce)+len(dataCiphertext))
	result = append(result, keyCiphertext...)
	result = append(result, nonce...)
	result = append(result, dataCiphertext...)
	return result, nil
}

// EnvelopeDecrypt reverses EnvelopeEncrypt given the recipient's private
// key. The enclave normally performs this; it is exported for the mock
// enclave used in tests.
func EnvelopeDecrypt(ciphertext []byte, recipientKey *rsa.PrivateKey) ([]byte, error) {
	keySize := recipientKey.PublicKey.Size()
	if len(ciphertext) < keySize+gcmNonceSize {
		return nil, errors.New("envelope ciphertext too short")
	}

	dataKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, recipientKey, ciphertext[:keySize], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}

	nonce := ciphertext[keySize : keySize+gcmNonceSize]

	aesBlock, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext[keySize+gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func parseRSAPublicKey(keyDER []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyFormat, err)
	}

	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: decoded %T", ErrKeyFormat, parsed)
	}
	return rsaKey, nil
}
