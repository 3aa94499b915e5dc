package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEncryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)

	sealed, err := enc.Encrypt("access-token-123")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "access-token-123")

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "access-token-123", plain)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)

	a, err := enc.Encrypt("same")
	require.NoError(t, err)
	b, err := enc.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewEncryptorRejectsBadKeys(t *testing.T) {
	_, err := NewEncryptor("not-hex")
	assert.Error(t, err)

	_, err = NewEncryptor(strings.Repeat("ab", 16))
	assert.Error(t, err)
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)

	sealed, err := enc.Encrypt("secret")
	require.NoError(t, err)
	last := sealed[len(sealed)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	_, err = enc.Decrypt(sealed[:len(sealed)-1] + string(flipped))
	assert.Error(t, err)

	_, err = enc.Decrypt("00")
	assert.Error(t, err)
}
