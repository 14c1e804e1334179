package cryptoutils

import (
	"crypto/rand"
	"fmt"
	"io"
)

// NonceLength is the challenge size used for enclave handshakes.
const NonceLength = 16

// Nonce returns length cryptographically random bytes for use as a handshake
// challenge. Each nonce is bound to exactly one bootstrap attempt and must
// not be reused.
func Nonce(length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("invalid nonce length %d", length)
	}

	nonce := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	return nonce, nil
}
