// Package xeddsa implements an Ed25519-compatible signature scheme over
// Curve25519 keys, so the long-term identity key can both run ECDH
// agreements and sign prekeys.
// See https://moderncrypto.org/mail-archive/curves/2014/000205.html for details.
package xeddsa

import (
	"crypto/ed25519"
	"crypto/sha512"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
)

// Domain separator for the nonce hash. The first byte differs from the
// all-0xFF prefix used in the ratchet key agreement.
var signPrefix = [32]byte{
	0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Sign signs message with a Curve25519 private key and returns a
// 64-byte signature. random must be fresh for every call; the nonce is
// derived from it together with the private key and the message.
func Sign(privateKey *[32]byte, message []byte, random [64]byte) *[64]byte {
	a, err := edwards25519.NewScalar().SetBytesWithClamping(privateKey[:])
	if err != nil {
		panic("xeddsa: invalid private key: " + err.Error())
	}

	// The Ed25519 public key corresponding to the Curve25519 private key.
	publicKey := new(edwards25519.Point).ScalarBaseMult(a).Bytes()

	var rDigest [64]byte
	h := sha512.New()
	h.Write(signPrefix[:])
	h.Write(privateKey[:])
	h.Write(message)
	h.Write(random[:])
	h.Sum(rDigest[:0])

	r, err := edwards25519.NewScalar().SetUniformBytes(rDigest[:])
	if err != nil {
		panic("xeddsa: nonce reduction failed: " + err.Error())
	}
	encodedR := new(edwards25519.Point).ScalarBaseMult(r).Bytes()

	var kDigest [64]byte
	h.Reset()
	h.Write(encodedR)
	h.Write(publicKey)
	h.Write(message)
	h.Sum(kDigest[:0])

	k, err := edwards25519.NewScalar().SetUniformBytes(kDigest[:])
	if err != nil {
		panic("xeddsa: challenge reduction failed: " + err.Error())
	}

	// s = r + k*a (mod L)
	s := edwards25519.NewScalar().MultiplyAdd(k, a, r)

	signature := new([64]byte)
	copy(signature[:32], encodedR)
	copy(signature[32:], s.Bytes())
	// Carry the sign of the edwards public key in the top bit of the
	// signature, since the montgomery public key cannot encode it.
	signature[63] |= publicKey[31] & 0x80
	return signature
}

// Verify reports whether signature is valid for message under the given
// Curve25519 public key.
func Verify(publicKey [32]byte, message []byte, signature *[64]byte) bool {
	publicKey[31] &= 0x7F

	// Convert the montgomery x-coordinate into an edwards y-coordinate:
	//
	//	ed_y = (mont_x - 1) / (mont_x + 1)
	//
	// then take the sign bit from the signature.
	u, err := new(field.Element).SetBytes(publicKey[:])
	if err != nil {
		return false
	}
	one := new(field.Element).One()
	num := new(field.Element).Subtract(u, one)
	den := new(field.Element).Add(u, one)
	y := new(field.Element).Multiply(num, den.Invert(den))

	edPub := make([]byte, ed25519.PublicKeySize)
	copy(edPub, y.Bytes())
	edPub[31] |= signature[63] & 0x80

	sig := make([]byte, ed25519.SignatureSize)
	copy(sig, signature[:])
	sig[63] &= 0x7F

	return ed25519.Verify(ed25519.PublicKey(edPub), message, sig)
}
