package ratchet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
)

func randBytes(data []byte) {
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		panic(err)
	}
}

// Encrypt returns the AES-CBC encryption of a plaintext under a given
// key and IV, with PKCS#7 padding.
func Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+pad)
	copy(padded, plaintext)
	copy(padded[len(plaintext):], bytes.Repeat([]byte{byte(pad)}, pad))

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decrypt returns the AES-CBC decryption of an IV-prefixed ciphertext
// under a given key.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext length is not a multiple of the AES block size")
	}
	iv := ciphertext[:aes.BlockSize]
	body := make([]byte, len(ciphertext)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(body, ciphertext[aes.BlockSize:])

	pad := int(body[len(body)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(body) {
		return nil, errors.New("invalid padding")
	}
	return body[:len(body)-pad], nil
}

// ComputeTruncatedMAC computes a HMAC-SHA256 MAC and returns its prefix
// of a given size.
func ComputeTruncatedMAC(msg, key []byte, size int) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)[:size]
}

// ValidTruncMAC checks whether a message is correctly authenticated
// using HMAC-SHA256.
func ValidTruncMAC(msg, expectedMAC, key []byte) bool {
	actualMAC := ComputeTruncatedMAC(msg, key, len(expectedMAC))
	return hmac.Equal(actualMAC, expectedMAC)
}
