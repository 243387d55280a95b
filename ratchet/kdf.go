package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// The KDF info labels are kept compatible with protocol version 3 so
// records produced by other clients of the same account decrypt here.
var (
	ratchetInfo     = []byte("WhisperRatchet")
	messageKeysInfo = []byte("WhisperMessageKeys")
	textInfo        = []byte("WhisperText")
)

type rootKey struct {
	Key [32]byte
}

func newRootKey(key []byte) *rootKey {
	ensureKeyLength(key)
	rk := &rootKey{}
	copy(rk.Key[:], key)
	return rk
}

// createChain advances the root key with a DH ratchet step and derives
// the next root/chain key pair.
func (r *rootKey) createChain(theirRatchetKey *ECPublicKey, ourRatchetKey *ECKeyPair) (*derivedKeys, error) {
	var keyMaterial [32]byte
	calculateAgreement(&keyMaterial, theirRatchetKey.Key(), ourRatchetKey.PrivateKey.Key())
	b, err := DeriveSecrets(keyMaterial[:], r.Key[:], ratchetInfo, 64)
	if err != nil {
		return nil, err
	}
	dk := &derivedKeys{}
	copy(dk.rootKey.Key[:], b[:32])
	copy(dk.chainKey.Key[:], b[32:])
	dk.chainKey.Index = 0
	return dk, nil
}

type chainKey struct {
	Key   [32]byte
	Index uint32
}

func newChainKey(key []byte, index uint32) *chainKey {
	ensureKeyLength(key)
	ck := &chainKey{Index: index}
	copy(ck.Key[:], key)
	return ck
}

type messageKeys struct {
	CipherKey []byte
	MacKey    []byte
	IV        []byte
	Index     uint32
}

func newMessageKeys(cipherKey, macKey, iv []byte, index uint32) *messageKeys {
	return &messageKeys{
		CipherKey: cipherKey,
		MacKey:    macKey,
		IV:        iv,
		Index:     index,
	}
}

var (
	messageKeySeed = []byte{1}
	chainKeySeed   = []byte{2}
)

func (c *chainKey) baseMaterial(seed []byte) []byte {
	m := hmac.New(sha256.New, c.Key[:])
	m.Write(seed)
	return m.Sum(nil)
}

func (c *chainKey) nextChainKey() *chainKey {
	b := c.baseMaterial(chainKeySeed)
	ck := &chainKey{Index: c.Index + 1}
	copy(ck.Key[:], b)
	return ck
}

func (c *chainKey) getMessageKeys() (*messageKeys, error) {
	b := c.baseMaterial(messageKeySeed)
	okm, err := DeriveSecrets(b, nil, messageKeysInfo, 80)
	if err != nil {
		return nil, err
	}
	return &messageKeys{
		CipherKey: okm[:32],
		MacKey:    okm[32:64],
		IV:        okm[64:],
		Index:     c.Index,
	}, nil
}

type derivedKeys struct {
	rootKey  rootKey
	chainKey chainKey
}

func calculateDerivedKeys(keyMaterial []byte) (*derivedKeys, error) {
	b, err := DeriveSecrets(keyMaterial, nil, textInfo, 64)
	if err != nil {
		return nil, err
	}
	dk := &derivedKeys{}
	copy(dk.rootKey.Key[:], b[:32])
	copy(dk.chainKey.Key[:], b[32:])
	dk.chainKey.Index = 0
	return dk, nil
}

// DeriveSecrets derives the requested number of bytes using HKDF, given
// the input key material, salt and info.
func DeriveSecrets(inputKeyMaterial, salt, info []byte, size int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, inputKeyMaterial, salt, info)

	secrets := make([]byte, size)
	if _, err := io.ReadFull(kdf, secrets); err != nil {
		return nil, err
	}
	return secrets, nil
}

var agreementPrefix = [32]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func calculateAgreement(result, theirPub, ourPriv *[32]byte) {
	curve25519.ScalarMult(result, ourPriv, theirPub)
}

// aliceParameters holds the key material the session initiator feeds
// into the X3DH agreement.
type aliceParameters struct {
	ourIdentityKey *IdentityKeyPair
	ourBaseKey     *ECKeyPair

	theirIdentity      *IdentityKey
	theirSignedPreKey  *ECPublicKey
	theirOneTimePreKey *ECPublicKey
	theirRatchetKey    *ECPublicKey
}

// bobParameters holds the key material the responder feeds into the
// X3DH agreement when consuming a prekey message.
type bobParameters struct {
	ourIdentityKey   *IdentityKeyPair
	ourSignedPreKey  *ECKeyPair
	ourOneTimePreKey *ECKeyPair
	ourRatchetKey    *ECKeyPair

	theirBaseKey  *ECPublicKey
	theirIdentity *IdentityKey
}

func initializeSenderSession(ss *sessionState, parameters aliceParameters) error {
	ss.Version = currentVersion
	ss.LocalIdentity = parameters.ourIdentityKey.PublicKey.Key()[:]
	ss.RemoteIdentity = parameters.theirIdentity.Key()[:]

	result := make([]byte, 0, 32*5)
	var sharedKey [32]byte
	result = append(result, agreementPrefix[:]...)
	calculateAgreement(&sharedKey, parameters.theirSignedPreKey.Key(), parameters.ourIdentityKey.PrivateKey.Key())
	result = append(result, sharedKey[:]...)
	calculateAgreement(&sharedKey, parameters.theirIdentity.Key(), parameters.ourBaseKey.PrivateKey.Key())
	result = append(result, sharedKey[:]...)
	calculateAgreement(&sharedKey, parameters.theirSignedPreKey.Key(), parameters.ourBaseKey.PrivateKey.Key())
	result = append(result, sharedKey[:]...)

	if parameters.theirOneTimePreKey != nil {
		calculateAgreement(&sharedKey, parameters.theirOneTimePreKey.Key(), parameters.ourBaseKey.PrivateKey.Key())
		result = append(result, sharedKey[:]...)
	}

	dk, err := calculateDerivedKeys(result)
	if err != nil {
		return err
	}

	sendingRatchetKey := NewECKeyPair()
	sendingChain, err := dk.rootKey.createChain(parameters.theirRatchetKey, sendingRatchetKey)
	if err != nil {
		return err
	}

	ss.addReceiverChain(parameters.theirRatchetKey, &sendingChain.chainKey)
	ss.setSenderChain(sendingRatchetKey, &sendingChain.chainKey)
	ss.RootKey = sendingChain.rootKey.Key[:]

	return nil
}

func initializeReceiverSession(ss *sessionState, parameters bobParameters) error {
	ss.Version = currentVersion
	ss.LocalIdentity = parameters.ourIdentityKey.PublicKey.Key()[:]
	ss.RemoteIdentity = parameters.theirIdentity.Key()[:]

	result := make([]byte, 0, 32*5)
	var sharedKey [32]byte
	result = append(result, agreementPrefix[:]...)
	calculateAgreement(&sharedKey, parameters.theirIdentity.Key(), parameters.ourSignedPreKey.PrivateKey.Key())
	result = append(result, sharedKey[:]...)
	calculateAgreement(&sharedKey, parameters.theirBaseKey.Key(), parameters.ourIdentityKey.PrivateKey.Key())
	result = append(result, sharedKey[:]...)
	calculateAgreement(&sharedKey, parameters.theirBaseKey.Key(), parameters.ourSignedPreKey.PrivateKey.Key())
	result = append(result, sharedKey[:]...)

	if parameters.ourOneTimePreKey != nil {
		calculateAgreement(&sharedKey, parameters.theirBaseKey.Key(), parameters.ourOneTimePreKey.PrivateKey.Key())
		result = append(result, sharedKey[:]...)
	}
	dk, err := calculateDerivedKeys(result)
	if err != nil {
		return err
	}
	ss.setSenderChain(parameters.ourRatchetKey, &dk.chainKey)
	ss.RootKey = dk.rootKey.Key[:]
	return nil
}
