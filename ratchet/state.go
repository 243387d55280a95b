package ratchet

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// The session record schema is explicit JSON rather than an opaque
// serialized blob: the same records are what gets encrypted and synced
// to the backup store, and every field below is part of the storage
// contract.

type chainKeyState struct {
	Key   []byte `json:"key"`
	Index uint32 `json:"index"`
}

type messageKeyState struct {
	CipherKey []byte `json:"cipherKey"`
	MacKey    []byte `json:"macKey"`
	IV        []byte `json:"iv"`
	Index     uint32 `json:"index"`
}

type chainState struct {
	// SenderRatchetKey is the raw public ratchet key identifying this
	// chain. The private half is only present on the sender chain.
	SenderRatchetKey        []byte            `json:"senderRatchetKey"`
	SenderRatchetKeyPrivate []byte            `json:"senderRatchetKeyPrivate,omitempty"`
	ChainKey                chainKeyState     `json:"chainKey"`
	MessageKeys             []messageKeyState `json:"messageKeys,omitempty"`
}

type pendingPreKeyState struct {
	PreKeyID       uint32 `json:"preKeyId,omitempty"`
	SignedPreKeyID uint32 `json:"signedPreKeyId"`
	BaseKey        []byte `json:"baseKey"`
}

type sessionState struct {
	Version              uint32              `json:"sessionVersion"`
	LocalIdentity        []byte              `json:"localIdentityPublic"`
	RemoteIdentity       []byte              `json:"remoteIdentityPublic"`
	RootKey              []byte              `json:"rootKey"`
	PreviousCounter      uint32              `json:"previousCounter"`
	SenderChain          *chainState         `json:"senderChain,omitempty"`
	ReceiverChains       []*chainState       `json:"receiverChains,omitempty"`
	PendingPreKey        *pendingPreKeyState `json:"pendingPreKey,omitempty"`
	LocalRegistrationID  uint32              `json:"localRegistrationId"`
	RemoteRegistrationID uint32              `json:"remoteRegistrationId"`
	AliceBaseKey         []byte              `json:"aliceBaseKey"`
}

// Receiver chains beyond this many are dropped oldest-first; skipped
// message keys for them become undecryptable, which bounds state growth.
const maxReceiverChains = 5

func (ss *sessionState) getLocalIdentityPublic() *IdentityKey {
	return NewIdentityKey(ss.LocalIdentity)
}

func (ss *sessionState) getRemoteIdentityPublic() *IdentityKey {
	return NewIdentityKey(ss.RemoteIdentity)
}

func (ss *sessionState) getRootKey() *rootKey {
	return newRootKey(ss.RootKey)
}

func (ss *sessionState) hasSenderChain() bool {
	return ss.SenderChain != nil
}

func (ss *sessionState) getSenderRatchetKey() *ECPublicKey {
	return NewECPublicKey(ss.SenderChain.SenderRatchetKey)
}

func (ss *sessionState) getSenderRatchetKeyPair() *ECKeyPair {
	return MakeECKeyPair(ss.SenderChain.SenderRatchetKeyPrivate, ss.SenderChain.SenderRatchetKey)
}

func (ss *sessionState) getReceiverChain(key *ECPublicKey) *chainState {
	for _, rc := range ss.ReceiverChains {
		if bytes.Equal(key.key[:], rc.SenderRatchetKey) {
			return rc
		}
	}
	return nil
}

func (ss *sessionState) hasReceiverChain(senderEphemeral *ECPublicKey) bool {
	return ss.getReceiverChain(senderEphemeral) != nil
}

func (ss *sessionState) getReceiverChainKey(senderEphemeral *ECPublicKey) *chainKey {
	rc := ss.getReceiverChain(senderEphemeral)
	if rc == nil {
		return nil
	}
	return newChainKey(rc.ChainKey.Key, rc.ChainKey.Index)
}

func (ss *sessionState) setReceiverChainKey(senderEphemeral *ECPublicKey, ck *chainKey) {
	rc := ss.getReceiverChain(senderEphemeral)
	rc.ChainKey = chainKeyState{Key: ck.Key[:], Index: ck.Index}
}

func (ss *sessionState) addReceiverChain(senderRatchetKey *ECPublicKey, ck *chainKey) {
	c := &chainState{
		SenderRatchetKey: senderRatchetKey.key[:],
		ChainKey:         chainKeyState{Key: ck.Key[:], Index: ck.Index},
	}
	ss.ReceiverChains = append(ss.ReceiverChains, c)
	if len(ss.ReceiverChains) > maxReceiverChains {
		ss.ReceiverChains = ss.ReceiverChains[1:]
	}
}

func (ss *sessionState) setSenderChain(kp *ECKeyPair, ck *chainKey) {
	ss.SenderChain = &chainState{
		SenderRatchetKey:        kp.PublicKey.Key()[:],
		SenderRatchetKeyPrivate: kp.PrivateKey.Key()[:],
		ChainKey:                chainKeyState{Key: ck.Key[:], Index: ck.Index},
	}
}

func (ss *sessionState) getSenderChainKey() *chainKey {
	return newChainKey(ss.SenderChain.ChainKey.Key, ss.SenderChain.ChainKey.Index)
}

func (ss *sessionState) setSenderChainKey(ck *chainKey) {
	ss.SenderChain.ChainKey = chainKeyState{Key: ck.Key[:], Index: ck.Index}
}

func (ss *sessionState) hasMessageKeys(senderEphemeral *ECPublicKey, counter uint32) bool {
	rc := ss.getReceiverChain(senderEphemeral)
	if rc == nil {
		return false
	}
	for _, mk := range rc.MessageKeys {
		if counter == mk.Index {
			return true
		}
	}
	return false
}

func (ss *sessionState) removeMessageKeys(senderEphemeral *ECPublicKey, counter uint32) *messageKeys {
	rc := ss.getReceiverChain(senderEphemeral)
	if rc == nil {
		return nil
	}
	for i, mk := range rc.MessageKeys {
		if counter == mk.Index {
			rc.MessageKeys = append(rc.MessageKeys[:i], rc.MessageKeys[i+1:]...)
			return newMessageKeys(mk.CipherKey, mk.MacKey, mk.IV, mk.Index)
		}
	}
	return nil
}

func (ss *sessionState) setMessageKeys(senderEphemeral *ECPublicKey, mk *messageKeys) {
	rc := ss.getReceiverChain(senderEphemeral)
	rc.MessageKeys = append(rc.MessageKeys, messageKeyState{
		CipherKey: mk.CipherKey,
		MacKey:    mk.MacKey,
		IV:        mk.IV,
		Index:     mk.Index,
	})
}

func (ss *sessionState) hasUnacknowledgedPreKeyMessage() bool {
	return ss.PendingPreKey != nil
}

func (ss *sessionState) setUnacknowledgedPreKeyMessage(preKeyID, signedPreKeyID uint32, ourBaseKey *ECPublicKey) {
	ss.PendingPreKey = &pendingPreKeyState{
		PreKeyID:       preKeyID,
		SignedPreKeyID: signedPreKeyID,
		BaseKey:        ourBaseKey.key[:],
	}
}

func (ss *sessionState) clearUnacknowledgedPreKeyMessage() {
	ss.PendingPreKey = nil
}

// SessionRecord is the durable per-peer ratchet state: the active
// session plus a bounded history of archived ones so messages encrypted
// against a just-replaced session still decrypt.
type SessionRecord struct {
	sessionState *sessionState
	Previous     []*sessionState
	// Fresh is true until the record has been persisted once.
	Fresh bool
}

// Archived states beyond this many are dropped oldest-last.
const maxPreviousStates = 40

// NewSessionRecord creates an empty session record.
func NewSessionRecord() *SessionRecord {
	return &SessionRecord{
		sessionState: &sessionState{},
		Fresh:        true,
	}
}

type recordStructure struct {
	CurrentSession   *sessionState   `json:"currentSession"`
	PreviousSessions []*sessionState `json:"previousSessions,omitempty"`
}

// LoadSessionRecord deserializes a session record.
func LoadSessionRecord(serialized []byte) (*SessionRecord, error) {
	rs := &recordStructure{}
	if err := json.Unmarshal(serialized, rs); err != nil {
		return nil, errors.Wrap(err, "unmarshaling session record")
	}
	if rs.CurrentSession == nil {
		return nil, errors.New("session record has no current session")
	}
	return &SessionRecord{
		sessionState: rs.CurrentSession,
		Previous:     rs.PreviousSessions,
	}, nil
}

// Serialize encodes the session record for storage.
func (record *SessionRecord) Serialize() ([]byte, error) {
	rs := &recordStructure{
		CurrentSession:   record.sessionState,
		PreviousSessions: record.Previous,
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling session record")
	}
	return b, nil
}

func (record *SessionRecord) hasSessionState(version uint32, aliceBaseKey []byte) bool {
	if record.sessionState.Version == version &&
		bytes.Equal(aliceBaseKey, record.sessionState.AliceBaseKey) {
		return true
	}
	for _, ss := range record.Previous {
		if ss.Version == version && bytes.Equal(aliceBaseKey, ss.AliceBaseKey) {
			return true
		}
	}
	return false
}

func (record *SessionRecord) promoteState(promoted *sessionState) {
	record.Previous = append([]*sessionState{record.sessionState}, record.Previous...)
	if len(record.Previous) > maxPreviousStates {
		record.Previous = record.Previous[:len(record.Previous)-1]
	}
	record.sessionState = promoted
}

func (record *SessionRecord) archiveCurrentState() {
	record.promoteState(&sessionState{})
}
