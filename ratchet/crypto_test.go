package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESCBCRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	randBytes(key)
	randBytes(iv)

	for _, plaintext := range [][]byte{
		[]byte(""),
		[]byte("short"),
		[]byte("exactly sixteen!"),
		make([]byte, 1000),
	} {
		ciphertext, err := Encrypt(key, iv, plaintext)
		require.NoError(t, err)
		decrypted, err := Decrypt(key, append(append([]byte(nil), iv...), ciphertext...))
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	randBytes(key)
	_, err := Decrypt(key, []byte("notablocksize"))
	assert.Error(t, err)
}

func TestTruncatedMAC(t *testing.T) {
	key := make([]byte, 32)
	randBytes(key)
	msg := []byte("authenticated message")

	mac := ComputeTruncatedMAC(msg, key, 8)
	assert.Len(t, mac, 8)
	assert.True(t, ValidTruncMAC(msg, mac, key))
	assert.False(t, ValidTruncMAC([]byte("other message"), mac, key))

	mac[0] ^= 0x01
	assert.False(t, ValidTruncMAC(msg, mac, key))
}
