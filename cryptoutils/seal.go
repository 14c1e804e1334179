package cryptoutils

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/hpke"
)

// HPKE ciphersuite shared with the enclave runtime. The enclave decapsulates
// with the RFC 9180 default suite, so these must not change independently.
const (
	sealKEM  = hpke.KEM_X25519_HKDF_SHA256
	sealKDF  = hpke.KDF_HKDF_SHA256
	sealAEAD = hpke.AEAD_AES128GCM
)

// SealContext seals request payloads to one enclave session's ephemeral
// public key. The KEM encapsulation is performed once at setup; every sealed
// message carries it as a prefix so the enclave can decapsulate statelessly.
//
// A SealContext is bound to the bootstrap that produced the ephemeral key.
// Reusing it across sessions breaks forward secrecy and will fail against
// the enclave, which discards its ephemeral secret on disconnect.
type SealContext struct {
	encapsulation []byte
	sealer        hpke.Sealer
}

// NewSealContext binds a sealing context to an enclave's ephemeral public
// key, given as the raw 32-byte X25519 point from a verified attestation
// document.
func NewSealContext(enclavePublicKey []byte) (*SealContext, error) {
	pub, err := sealKEM.Scheme().UnmarshalBinaryPublicKey(enclavePublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyFormat, err)
	}

	suite := hpke.NewSuite(sealKEM, sealKDF, sealAEAD)
	sender, err := suite.NewSender(pub, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HPKE sender: %w", err)
	}

	encapsulation, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to encapsulate session key: %w", err)
	}

	return &SealContext{
		encapsulation: encapsulation,
		sealer:        sealer,
	}, nil
}

// Seal encrypts plaintext for the session, with empty associated data, and
// returns the KEM encapsulation followed by the AEAD ciphertext.
func (c *SealContext) Seal(plaintext []byte) ([]byte, error) {
	ciphertext, err := c.sealer.Seal(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to seal payload: %w", err)
	}

	sealed := make([]byte, 0, len(c.encapsulation)+len(ciphertext))
	sealed = append(sealed, c.encapsulation...)
	sealed = append(sealed, ciphertext...)
	return sealed, nil
}

// Encapsulation returns the KEM encapsulation bound to this context.
func (c *SealContext) Encapsulation() []byte {
	return c.encapsulation
}

// EncapsulationSize is the length of the KEM encapsulation prefix on sealed
// payloads.
func EncapsulationSize() int {
	return sealKEM.Scheme().CiphertextSize()
}
