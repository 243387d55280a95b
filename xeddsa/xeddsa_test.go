package xeddsa

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/curve25519"
)

func generateKeyPair(t *testing.T) (priv, pub [32]byte) {
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		t.Fatal(err)
	}
	priv[0] &= 248
	priv[31] &= 63
	priv[31] |= 64
	curve25519.ScalarBaseMult(&pub, &priv)
	return
}

func TestSignVerify(t *testing.T) {
	priv, pub := generateKeyPair(t)

	var random [64]byte
	io.ReadFull(rand.Reader, random[:])

	message := []byte("test message")
	sig := Sign(&priv, message, random)
	assert.True(t, Verify(pub, message, sig), "signature must verify")

	message[0] ^= 0x01
	assert.False(t, Verify(pub, message, sig), "must not verify modified message")
}

func TestSignVerifyTamperedSignature(t *testing.T) {
	priv, pub := generateKeyPair(t)

	var random [64]byte
	io.ReadFull(rand.Reader, random[:])

	message := []byte("another message")
	sig := Sign(&priv, message, random)

	for _, i := range []int{0, 31, 32, 63} {
		bad := *sig
		bad[i] ^= 0x40
		assert.False(t, Verify(pub, message, &bad), "flipped byte %d must not verify", i)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	priv, _ := generateKeyPair(t)
	_, otherPub := generateKeyPair(t)

	var random [64]byte
	io.ReadFull(rand.Reader, random[:])

	message := []byte("message")
	sig := Sign(&priv, message, random)
	assert.False(t, Verify(otherPub, message, sig))
}
