package fromchat

import (
	"encoding/base64"

	"github.com/pkg/errors"

	"github.com/Toolbox-io/fromchat-go/ratchet"
)

// DTOs for the directory service. All key material travels base64
// encoded, public keys with the type byte prefix.

// PreKeyEntity is one publishable one-time prekey.
type PreKeyEntity struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

// SignedPreKeyEntity is the publishable signed prekey.
type SignedPreKeyEntity struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// PreKeyBundleDTO is the bundle shape the directory serves. PreKey is
// absent when the peer's one-time pool is exhausted.
type PreKeyBundleDTO struct {
	RegistrationID uint32             `json:"registrationId"`
	IdentityKey    string             `json:"identityKey"`
	SignedPreKey   SignedPreKeyEntity `json:"signedPreKey"`
	PreKey         *PreKeyEntity      `json:"preKey,omitempty"`
}

type preKeyBulkUpload struct {
	BaseBundle PreKeyBundleDTO `json:"baseBundle"`
	PreKeys    []PreKeyEntity  `json:"prekeys"`
}

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// decodeKey accepts both type-prefixed 33-byte keys and raw 32-byte
// ones.
func decodeKey(s string) (*ratchet.ECPublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decoding public key")
	}
	switch len(b) {
	case 33:
		if b[0] != 5 {
			return nil, errors.Errorf("unknown key type %d", b[0])
		}
		return ratchet.NewECPublicKey(b[1:]), nil
	case 32:
		return ratchet.NewECPublicKey(b), nil
	}
	return nil, errors.Errorf("public key length is %d", len(b))
}

func decodeSignature(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decoding signature")
	}
	if len(b) != 64 {
		return nil, errors.Errorf("signature length is %d, not 64", len(b))
	}
	return b, nil
}

// bundleFromDTO validates the fetched DTO and converts it into the
// bundle the session builder consumes.
func bundleFromDTO(peerID string, dto *PreKeyBundleDTO) (*ratchet.PreKeyBundle, error) {
	identity, err := decodeKey(dto.IdentityKey)
	if err != nil {
		return nil, InvalidBundleError{PeerID: peerID, Reason: err}
	}
	signedPreKey, err := decodeKey(dto.SignedPreKey.PublicKey)
	if err != nil {
		return nil, InvalidBundleError{PeerID: peerID, Reason: err}
	}
	signature, err := decodeSignature(dto.SignedPreKey.Signature)
	if err != nil {
		return nil, InvalidBundleError{PeerID: peerID, Reason: err}
	}

	var preKeyID uint32
	var preKey *ratchet.ECPublicKey
	if dto.PreKey != nil {
		preKey, err = decodeKey(dto.PreKey.PublicKey)
		if err != nil {
			return nil, InvalidBundleError{PeerID: peerID, Reason: err}
		}
		preKeyID = dto.PreKey.KeyID
	}

	pkb, err := ratchet.NewPreKeyBundle(dto.RegistrationID, DefaultDeviceID,
		preKeyID, preKey, dto.SignedPreKey.KeyID, signedPreKey, signature,
		&ratchet.IdentityKey{ECPublicKey: *identity})
	if err != nil {
		return nil, InvalidBundleError{PeerID: peerID, Reason: err}
	}
	return pkb, nil
}
