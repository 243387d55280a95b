package ratchet

import (
	"crypto/hmac"
	"encoding/json"

	"github.com/pkg/errors"
)

// Wire message types, as carried in the envelope payload's "type"
// field. The numbers mirror protocol version 3: 3 for the
// session-establishing prekey message, 1 for an ongoing message.
const (
	MessageTypeCiphertext = 1
	MessageTypePreKey     = 3
)

const macLength = 8

const currentVersion = 3

func highBitsToInt(b byte) byte {
	return (b & 0xF0) >> 4
}

func makeVersionByte(hi, lo byte) byte {
	return (hi << 4) | lo
}

// UnsupportedVersionError signals a message or bundle from a peer
// speaking an unknown protocol version.
type UnsupportedVersionError struct {
	Version byte
}

func (err UnsupportedVersionError) Error() string {
	return errors.Errorf("unsupported protocol version %d", err.Version).Error()
}

// ErrIncompleteMessage is returned when a decoded message is missing
// required fields.
var ErrIncompleteMessage = errors.New("incomplete message")

// WhisperMessage is an ongoing ratchet message. On the wire it is a
// version byte, the JSON body, and a truncated MAC over both.
type WhisperMessage struct {
	Version         byte
	RatchetKey      *ECPublicKey
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte
	serialized      []byte
}

type wireWhisperMessage struct {
	RatchetKey      []byte `json:"ratchetKey"`
	Counter         uint32 `json:"counter"`
	PreviousCounter uint32 `json:"previousCounter"`
	Ciphertext      []byte `json:"ciphertext"`
}

// LoadWhisperMessage decodes a WhisperMessage from wire bytes.
func LoadWhisperMessage(serialized []byte) (*WhisperMessage, error) {
	if len(serialized) < 1+macLength {
		return nil, ErrIncompleteMessage
	}
	version := highBitsToInt(serialized[0])
	if version != currentVersion {
		return nil, UnsupportedVersionError{version}
	}

	body := serialized[1 : len(serialized)-macLength]
	var wm wireWhisperMessage
	if err := json.Unmarshal(body, &wm); err != nil {
		return nil, errors.Wrap(err, "decoding whisper message")
	}
	if wm.Ciphertext == nil || wm.RatchetKey == nil {
		return nil, ErrIncompleteMessage
	}
	if len(wm.RatchetKey) != 33 || wm.RatchetKey[0] != djbType {
		return nil, ErrIncompleteMessage
	}

	return &WhisperMessage{
		Version:         version,
		Counter:         wm.Counter,
		PreviousCounter: wm.PreviousCounter,
		RatchetKey:      NewECPublicKey(wm.RatchetKey[1:]),
		Ciphertext:      wm.Ciphertext,
		serialized:      serialized,
	}, nil
}

func newWhisperMessage(macKey []byte, ratchetKey *ECPublicKey,
	counter, previousCounter uint32, ciphertext []byte,
	senderIdentity, receiverIdentity *IdentityKey) (*WhisperMessage, error) {

	version := makeVersionByte(currentVersion, currentVersion)

	body, err := json.Marshal(wireWhisperMessage{
		RatchetKey:      ratchetKey.Serialize(),
		Counter:         counter,
		PreviousCounter: previousCounter,
		Ciphertext:      ciphertext,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding whisper message")
	}

	data := append([]byte{version}, body...)
	mac := computeMessageMAC(senderIdentity, receiverIdentity, macKey, data)

	return &WhisperMessage{
		Version:         currentVersion,
		Counter:         counter,
		PreviousCounter: previousCounter,
		RatchetKey:      ratchetKey,
		Ciphertext:      ciphertext,
		serialized:      append(data, mac...),
	}, nil
}

// The MAC binds both identities in addition to the message bytes.
func computeMessageMAC(senderIdentity, receiverIdentity *IdentityKey, macKey, serialized []byte) []byte {
	msg := make([]byte, 0, 66+len(serialized))
	msg = append(msg, senderIdentity.Serialize()...)
	msg = append(msg, receiverIdentity.Serialize()...)
	msg = append(msg, serialized...)
	return ComputeTruncatedMAC(msg, macKey, macLength)
}

func (wm *WhisperMessage) verifyMAC(senderIdentity, receiverIdentity *IdentityKey, macKey []byte) bool {
	macpos := len(wm.serialized) - macLength
	ourMAC := computeMessageMAC(senderIdentity, receiverIdentity, macKey, wm.serialized[:macpos])
	theirMAC := wm.serialized[macpos:]
	return hmac.Equal(ourMAC, theirMAC)
}

// Serialize returns the wire encoding of the message.
func (wm *WhisperMessage) Serialize() []byte {
	return wm.serialized
}

// PreKeyMessage wraps a WhisperMessage together with the prekey
// metadata the receiver needs to establish the session.
type PreKeyMessage struct {
	Version        byte
	RegistrationID uint32
	// PreKeyID is zero when the sender got a bundle without a one-time
	// prekey (the peer's pool was exhausted).
	PreKeyID       uint32
	SignedPreKeyID uint32
	BaseKey        *ECPublicKey
	IdentityKey    *IdentityKey
	Message        *WhisperMessage
	serialized     []byte
}

type wirePreKeyMessage struct {
	RegistrationID uint32 `json:"registrationId"`
	PreKeyID       uint32 `json:"preKeyId,omitempty"`
	SignedPreKeyID uint32 `json:"signedPreKeyId"`
	BaseKey        []byte `json:"baseKey"`
	IdentityKey    []byte `json:"identityKey"`
	Message        []byte `json:"message"`
}

// LoadPreKeyMessage decodes a PreKeyMessage from wire bytes.
func LoadPreKeyMessage(serialized []byte) (*PreKeyMessage, error) {
	if len(serialized) < 2 {
		return nil, ErrIncompleteMessage
	}
	version := highBitsToInt(serialized[0])
	if version != currentVersion {
		return nil, UnsupportedVersionError{version}
	}

	var pm wirePreKeyMessage
	if err := json.Unmarshal(serialized[1:], &pm); err != nil {
		return nil, errors.Wrap(err, "decoding prekey message")
	}
	if pm.BaseKey == nil || pm.IdentityKey == nil || pm.Message == nil || pm.SignedPreKeyID == 0 {
		return nil, ErrIncompleteMessage
	}
	if len(pm.BaseKey) != 33 || pm.BaseKey[0] != djbType ||
		len(pm.IdentityKey) != 33 || pm.IdentityKey[0] != djbType {
		return nil, ErrIncompleteMessage
	}

	wm, err := LoadWhisperMessage(pm.Message)
	if err != nil {
		return nil, err
	}
	return &PreKeyMessage{
		Version:        version,
		RegistrationID: pm.RegistrationID,
		PreKeyID:       pm.PreKeyID,
		SignedPreKeyID: pm.SignedPreKeyID,
		BaseKey:        NewECPublicKey(pm.BaseKey[1:]),
		IdentityKey:    NewIdentityKey(pm.IdentityKey[1:]),
		Message:        wm,
		serialized:     serialized,
	}, nil
}

func newPreKeyMessage(registrationID, preKeyID, signedPreKeyID uint32, baseKey *ECPublicKey, identityKey *IdentityKey, wm *WhisperMessage) (*PreKeyMessage, error) {
	body, err := json.Marshal(wirePreKeyMessage{
		RegistrationID: registrationID,
		PreKeyID:       preKeyID,
		SignedPreKeyID: signedPreKeyID,
		BaseKey:        baseKey.Serialize(),
		IdentityKey:    identityKey.Serialize(),
		Message:        wm.Serialize(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding prekey message")
	}

	version := makeVersionByte(currentVersion, currentVersion)
	return &PreKeyMessage{
		Version:        currentVersion,
		RegistrationID: registrationID,
		PreKeyID:       preKeyID,
		SignedPreKeyID: signedPreKeyID,
		BaseKey:        baseKey,
		IdentityKey:    identityKey,
		Message:        wm,
		serialized:     append([]byte{version}, body...),
	}, nil
}

// Serialize returns the wire encoding of the message.
func (pm *PreKeyMessage) Serialize() []byte {
	return pm.serialized
}
