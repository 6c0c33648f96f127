package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	material, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewEncryptor(material, true)
	require.NoError(t, err)
	return enc
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)

	ciphertext, err := enc.EncryptString("sensitive entry payload")
	require.NoError(t, err)
	assert.NotEqual(t, "sensitive entry payload", ciphertext)

	plaintext, err := enc.DecryptString(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "sensitive entry payload", plaintext)
}

func TestNewEncryptor_RejectsWrongLengthKey(t *testing.T) {
	_, err := NewEncryptor([]byte("too-short"), true)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncryptor_DisabledIsPassthrough(t *testing.T) {
	enc, err := NewEncryptor(nil, false)
	require.NoError(t, err)

	ciphertext, err := enc.EncryptString("plain")
	require.NoError(t, err)
	plaintext, err := enc.DecryptString(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "plain", plaintext)
}

func TestEncryptor_TamperedCiphertextFailsAuthentication(t *testing.T) {
	enc := newTestEncryptor(t)

	ciphertext, err := enc.EncryptString("secret")
	require.NoError(t, err)

	tampered := []byte(ciphertext)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = enc.DecryptString(string(tampered))
	assert.Error(t, err)
}

func TestNewEncryptorWithPassword_RoundTrips(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	enc, err := NewEncryptorWithPassword("correct-horse-battery-staple", salt, 10000)
	require.NoError(t, err)

	ciphertext, err := enc.EncryptString("payload")
	require.NoError(t, err)
	plaintext, err := enc.DecryptString(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "payload", plaintext)
}

func TestNewEncryptorWithPassword_DifferentSaltsProduceDifferentCiphertext(t *testing.T) {
	salt1, err := GenerateSalt()
	require.NoError(t, err)
	salt2, err := GenerateSalt()
	require.NoError(t, err)

	enc1, err := NewEncryptorWithPassword("same-password", salt1, 10000)
	require.NoError(t, err)
	enc2, err := NewEncryptorWithPassword("same-password", salt2, 10000)
	require.NoError(t, err)

	out1, err := enc1.EncryptString("payload")
	require.NoError(t, err)
	_, err = enc2.DecryptString(out1)
	assert.Error(t, err, "a different salt must derive a different key")
}

func TestProvider_SealOpenRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)
	p := NewProvider(enc)

	sealed, err := p.Seal([]byte(`{"data":"x"}`))
	require.NoError(t, err)
	assert.NotEqual(t, []byte(`{"data":"x"}`), sealed)

	opened, err := p.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"data":"x"}`, string(opened))
}

func TestProvider_DisabledPassesThrough(t *testing.T) {
	p := NewProvider(nil)
	assert.False(t, p.Enabled())

	sealed, err := p.Seal([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), sealed)
}
