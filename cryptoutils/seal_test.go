package cryptoutils

import (
	"bytes"
	"testing"

	"github.com/cloudflare/circl/hpke"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealContext_RoundTrip(t *testing.T) {
	pub, priv, err := sealKEM.Scheme().GenerateKeyPair()
	require.NoError(t, err, "Failed to generate KEM key pair")

	pubBytes, err := pub.MarshalBinary()
	require.NoError(t, err)

	ctx, err := NewSealContext(pubBytes)
	require.NoError(t, err, "NewSealContext should accept a raw X25519 public key")

	plaintext := []byte("sealed request")
	sealed, err := ctx.Seal(plaintext)
	require.NoError(t, err)

	encapSize := EncapsulationSize()
	require.Greater(t, len(sealed), encapSize, "Sealed payload must carry the encapsulation prefix")
	assert.Equal(t, ctx.Encapsulation(), sealed[:encapSize],
		"Prefix should be the context's encapsulation")

	// Decapsulate the way the enclave does.
	suite := hpke.NewSuite(sealKEM, sealKDF, sealAEAD)
	receiver, err := suite.NewReceiver(priv, nil)
	require.NoError(t, err)
	opener, err := receiver.Setup(sealed[:encapSize])
	require.NoError(t, err)

	opened, err := opener.Open(sealed[encapSize:], nil)
	require.NoError(t, err, "Enclave-side open should succeed")
	assert.Equal(t, plaintext, opened)
}

func TestSealContext_DistinctEncapsulationsPerSession(t *testing.T) {
	pub, _, err := sealKEM.Scheme().GenerateKeyPair()
	require.NoError(t, err)
	pubBytes, err := pub.MarshalBinary()
	require.NoError(t, err)

	first, err := NewSealContext(pubBytes)
	require.NoError(t, err)
	second, err := NewSealContext(pubBytes)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(first.Encapsulation(), second.Encapsulation()),
		"Each setup must produce a fresh encapsulation, even for the same recipient key")

	otherPub, _, err := sealKEM.Scheme().GenerateKeyPair()
	require.NoError(t, err)
	otherBytes, err := otherPub.MarshalBinary()
	require.NoError(t, err)

	third, err := NewSealContext(otherBytes)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(first.Encapsulation(), third.Encapsulation()),
		"Different ephemeral keys must produce different encapsulations")
}

func TestNewSealContext_RejectsBadKeys(t *testing.T) {
	_, err := NewSealContext([]byte("too short"))
	assert.ErrorIs(t, err, ErrKeyFormat, "Malformed ephemeral key should fail with ErrKeyFormat")
}
