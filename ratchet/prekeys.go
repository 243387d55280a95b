package ratchet

// PreKey and signed prekey records, and the bundle DTO consumed when
// starting a session with a peer.

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MaxPreKeyID bounds generated prekey IDs to 24 bits, matching the
// range the directory service accepts.
const MaxPreKeyID uint32 = 0xFFFFFF

// PreKeyRecord is a stored one-time prekey pair.
type PreKeyRecord struct {
	ID         uint32 `json:"id"`
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
}

// NewPreKeyRecord creates a PreKeyRecord from a key pair.
func NewPreKeyRecord(id uint32, kp *ECKeyPair) *PreKeyRecord {
	return &PreKeyRecord{
		ID:         id,
		PublicKey:  kp.PublicKey.Key()[:],
		PrivateKey: kp.PrivateKey.Key()[:],
	}
}

// LoadPreKeyRecord deserializes a PreKeyRecord.
func LoadPreKeyRecord(serialized []byte) (*PreKeyRecord, error) {
	record := &PreKeyRecord{}
	if err := json.Unmarshal(serialized, record); err != nil {
		return nil, errors.Wrap(err, "unmarshaling prekey record")
	}
	if len(record.PublicKey) != 32 || len(record.PrivateKey) != 32 {
		return nil, errors.New("prekey record has malformed key material")
	}
	return record, nil
}

// Serialize encodes the record for storage.
func (record *PreKeyRecord) Serialize() ([]byte, error) {
	return json.Marshal(record)
}

// KeyPair returns the record's key pair.
func (record *PreKeyRecord) KeyPair() *ECKeyPair {
	return MakeECKeyPair(record.PrivateKey, record.PublicKey)
}

// GeneratePreKeys creates count one-time prekeys with consecutive IDs
// starting at start, wrapping inside the 24-bit ID space.
func GeneratePreKeys(start uint32, count int) []*PreKeyRecord {
	records := make([]*PreKeyRecord, count)
	for i := 0; i < count; i++ {
		id := (start+uint32(i)-1)%MaxPreKeyID + 1
		records[i] = NewPreKeyRecord(id, NewECKeyPair())
	}
	return records
}

// SignedPreKeyRecord is a stored signed prekey pair. The signature is
// persisted with the key material so publishing a bundle never has to
// re-sign.
type SignedPreKeyRecord struct {
	ID         uint32 `json:"id"`
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
	Signature  []byte `json:"signature"`
	Timestamp  uint64 `json:"timestamp"`
}

// NewSignedPreKeyRecord creates a SignedPreKeyRecord.
func NewSignedPreKeyRecord(id uint32, timestamp uint64, kp *ECKeyPair, signature []byte) *SignedPreKeyRecord {
	return &SignedPreKeyRecord{
		ID:         id,
		PublicKey:  kp.PublicKey.Key()[:],
		PrivateKey: kp.PrivateKey.Key()[:],
		Signature:  append([]byte(nil), signature...),
		Timestamp:  timestamp,
	}
}

// LoadSignedPreKeyRecord deserializes a SignedPreKeyRecord.
func LoadSignedPreKeyRecord(serialized []byte) (*SignedPreKeyRecord, error) {
	record := &SignedPreKeyRecord{}
	if err := json.Unmarshal(serialized, record); err != nil {
		return nil, errors.Wrap(err, "unmarshaling signed prekey record")
	}
	if len(record.PublicKey) != 32 || len(record.PrivateKey) != 32 || len(record.Signature) != 64 {
		return nil, errors.New("signed prekey record has malformed key material")
	}
	return record, nil
}

// Serialize encodes the record for storage.
func (record *SignedPreKeyRecord) Serialize() ([]byte, error) {
	return json.Marshal(record)
}

// KeyPair returns the record's key pair.
func (record *SignedPreKeyRecord) KeyPair() *ECKeyPair {
	return MakeECKeyPair(record.PrivateKey, record.PublicKey)
}

// PreKeyBundle contains the data required to initialize a sender
// session, assembled from the keys a peer published.
type PreKeyBundle struct {
	RegistrationID uint32
	DeviceID       uint32

	// PreKeyPublic is nil when the peer's one-time pool is exhausted;
	// PreKeyID is zero in that case.
	PreKeyID     uint32
	PreKeyPublic *ECPublicKey

	SignedPreKeyID        uint32
	SignedPreKeyPublic    *ECPublicKey
	SignedPreKeySignature [64]byte

	IdentityKey *IdentityKey
}

// NewPreKeyBundle assembles a PreKeyBundle, validating the signature
// length. preKey may be nil.
func NewPreKeyBundle(registrationID, deviceID, preKeyID uint32, preKey *ECPublicKey,
	signedPreKeyID uint32, signedPreKey *ECPublicKey, signature []byte,
	identityKey *IdentityKey) (*PreKeyBundle, error) {
	if len(signature) != 64 {
		return nil, errors.Errorf("signature length is %d, not 64", len(signature))
	}
	pkb := &PreKeyBundle{
		RegistrationID:     registrationID,
		DeviceID:           deviceID,
		PreKeyID:           preKeyID,
		PreKeyPublic:       preKey,
		SignedPreKeyID:     signedPreKeyID,
		SignedPreKeyPublic: signedPreKey,
		IdentityKey:        identityKey,
	}
	copy(pkb.SignedPreKeySignature[:], signature)
	return pkb, nil
}
