package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonce(t *testing.T) {
	first, err := Nonce(NonceLength)
	require.NoError(t, err)
	assert.Len(t, first, NonceLength)

	second, err := Nonce(NonceLength)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "Consecutive nonces must differ")

	_, err = Nonce(0)
	assert.Error(t, err, "Zero-length nonce should be rejected")
	_, err = Nonce(-1)
	assert.Error(t, err, "Negative length should be rejected")
}

func TestPassphraseStore_RoundTrip(t *testing.T) {
	passphrase := []byte("correct horse battery staple")
	data := []byte(`{"function_token":"abc"}`)

	sealed, err := EncryptWithPassphrase(passphrase, data)
	require.NoError(t, err)

	opened, err := DecryptWithPassphrase(passphrase, sealed)
	require.NoError(t, err)
	assert.Equal(t, data, opened)

	_, err = DecryptWithPassphrase([]byte("wrong"), sealed)
	assert.Error(t, err, "Wrong passphrase should fail authentication")

	_, err = DecryptWithPassphrase(passphrase, sealed[:10])
	assert.Error(t, err, "Truncated data should be rejected")
}
