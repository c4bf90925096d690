package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sealed, err := EncryptString("kc-api-secret-123")
	require.NoError(t, err)
	assert.NotEqual(t, "kc-api-secret-123", sealed)

	plain, err := DecryptString(sealed)
	require.NoError(t, err)
	assert.Equal(t, "kc-api-secret-123", plain)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	first, err := EncryptString("same-input")
	require.NoError(t, err)
	second, err := EncryptString("same-input")
	require.NoError(t, err)

	// Random nonces: identical plaintexts must not leak equality.
	assert.NotEqual(t, first, second)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	_, err := DecryptString("not-base64!!")
	assert.Error(t, err)

	_, err = DecryptString("dG9vc2hvcnQ=")
	assert.Error(t, err)
}
