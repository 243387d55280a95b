// Package ratchet implements the double-ratchet session protocol used
// for direct messages, compatible with protocol version 3 semantics:
// prekey bundles establish sessions non-interactively, every message
// advances a chain key, and a bounded skip window tolerates loss and
// reordering.
package ratchet

import (
	"github.com/pkg/errors"

	"github.com/Toolbox-io/fromchat-go/xeddsa"
)

// NotTrustedError indicates the peer presented a different identity key
// than the one pinned for it.
type NotTrustedError struct {
	ID string
}

func (err NotTrustedError) Error() string {
	return "remote identity " + err.ID + " is not trusted"
}

// InvalidSignatureError indicates a prekey bundle whose signed prekey
// does not verify against the bundle's identity key.
type InvalidSignatureError struct {
	SignedPreKeyID uint32
}

func (err InvalidSignatureError) Error() string {
	return errors.Errorf("invalid signature on signed prekey %d", err.SignedPreKeyID).Error()
}

// PreKeyNotFoundError indicates a local prekey named by an incoming
// prekey message cannot be loaded.
type PreKeyNotFoundError struct {
	PreKeyID uint32
	Details  error
}

func (err PreKeyNotFoundError) Error() string {
	return errors.Errorf("prekey %d could not be found (%v)", err.PreKeyID, err.Details).Error()
}

// ErrUninitializedSession occurs when a message arrives for a peer with
// no matching session state.
var ErrUninitializedSession = errors.New("uninitialized session")

// ErrInvalidMAC signals a message that fails authentication.
var ErrInvalidMAC = errors.New("invalid MAC for incoming message")

// DuplicateMessageError indicates a message whose chain position was
// already consumed; re-decrypting is rejected rather than allowed to
// desync the ratchet.
type DuplicateMessageError struct {
	Index   uint32
	Counter uint32
}

func (err DuplicateMessageError) Error() string {
	return errors.Errorf("duplicate message: chain is at %d, got %d", err.Index, err.Counter).Error()
}

// ErrTooFarInFuture rejects counters implying an implausible number of
// skipped messages, which bounds stored message keys.
var ErrTooFarInFuture = errors.New("message counter over 2000 ahead of the chain")

const maxSkippedMessages = 2000

// SessionBuilder creates sessions, either as the initiator (from a
// peer's published bundle) or as the responder (from an incoming prekey
// message).
type SessionBuilder struct {
	stores      Stores
	recipientID string
	deviceID    uint32
}

// NewSessionBuilder creates a session builder for one peer address.
func NewSessionBuilder(stores Stores, recipientID string, deviceID uint32) *SessionBuilder {
	return &SessionBuilder{
		stores:      stores,
		recipientID: recipientID,
		deviceID:    deviceID,
	}
}

// BuildSenderSession creates a new session from a peer's PreKeyBundle.
// The signed prekey signature must verify against the bundle's identity
// key. The record is stored before returning.
func (sb *SessionBuilder) BuildSenderSession(pkb *PreKeyBundle) error {
	theirIdentityKey := pkb.IdentityKey
	if !sb.stores.IsTrustedIdentity(sb.recipientID, theirIdentityKey) {
		return NotTrustedError{sb.recipientID}
	}
	if pkb.SignedPreKeyPublic == nil {
		return InvalidSignatureError{pkb.SignedPreKeyID}
	}
	if !xeddsa.Verify(*theirIdentityKey.Key(), pkb.SignedPreKeyPublic.Serialize(), &pkb.SignedPreKeySignature) {
		return InvalidSignatureError{pkb.SignedPreKeyID}
	}

	sr, err := sb.stores.LoadSession(sb.recipientID, sb.deviceID)
	if err != nil {
		return err
	}
	ourBaseKey := NewECKeyPair()
	ourIdentityKey, err := sb.stores.GetIdentityKeyPair()
	if err != nil {
		return err
	}

	alice := aliceParameters{
		ourBaseKey:         ourBaseKey,
		ourIdentityKey:     ourIdentityKey,
		theirIdentity:      pkb.IdentityKey,
		theirSignedPreKey:  pkb.SignedPreKeyPublic,
		theirRatchetKey:    pkb.SignedPreKeyPublic,
		theirOneTimePreKey: pkb.PreKeyPublic,
	}

	if !sr.Fresh {
		sr.archiveCurrentState()
	}
	if err := initializeSenderSession(sr.sessionState, alice); err != nil {
		return err
	}

	sr.sessionState.setUnacknowledgedPreKeyMessage(pkb.PreKeyID, pkb.SignedPreKeyID, &ourBaseKey.PublicKey)
	regID, err := sb.stores.GetLocalRegistrationID()
	if err != nil {
		return err
	}
	sr.sessionState.LocalRegistrationID = regID
	sr.sessionState.RemoteRegistrationID = pkb.RegistrationID
	sr.sessionState.AliceBaseKey = ourBaseKey.PublicKey.key[:]

	if err := sb.stores.StoreSession(sb.recipientID, sb.deviceID, sr); err != nil {
		return err
	}
	return sb.stores.SaveIdentity(sb.recipientID, theirIdentityKey)
}

// BuildReceiverSession creates a new session from a received
// PreKeyMessage and returns the ID of the consumed one-time prekey
// (zero if none was used). The record is mutated but not stored, and
// the sender's identity is not yet pinned; the caller does both only
// after the first decrypt succeeds.
func (sb *SessionBuilder) BuildReceiverSession(sr *SessionRecord, pm *PreKeyMessage) (uint32, error) {
	if pm.Version != currentVersion {
		return 0, UnsupportedVersionError{pm.Version}
	}
	theirIdentityKey := pm.IdentityKey
	if !sb.stores.IsTrustedIdentity(sb.recipientID, theirIdentityKey) {
		return 0, NotTrustedError{sb.recipientID}
	}
	// A retransmitted prekey message for a session we already built is
	// not an error; the whisper message inside still decrypts.
	if sr.hasSessionState(uint32(pm.Version), pm.BaseKey.key[:]) {
		return 0, nil
	}
	ourSignedPreKey, err := sb.stores.LoadSignedPreKey(pm.SignedPreKeyID)
	if err != nil {
		return 0, err
	}
	ourIdentityKey, err := sb.stores.GetIdentityKeyPair()
	if err != nil {
		return 0, err
	}
	bob := bobParameters{
		theirBaseKey:    pm.BaseKey,
		theirIdentity:   pm.IdentityKey,
		ourIdentityKey:  ourIdentityKey,
		ourSignedPreKey: ourSignedPreKey.KeyPair(),
		ourRatchetKey:   ourSignedPreKey.KeyPair(),
	}
	if pm.PreKeyID != 0 {
		pk, err := sb.stores.LoadPreKey(pm.PreKeyID)
		if err != nil {
			return 0, PreKeyNotFoundError{pm.PreKeyID, err}
		}
		bob.ourOneTimePreKey = pk.KeyPair()
	}
	if !sr.Fresh {
		sr.archiveCurrentState()
	}
	if err := initializeReceiverSession(sr.sessionState, bob); err != nil {
		return 0, err
	}

	regID, err := sb.stores.GetLocalRegistrationID()
	if err != nil {
		return 0, err
	}
	sr.sessionState.LocalRegistrationID = regID
	sr.sessionState.RemoteRegistrationID = pm.RegistrationID
	sr.sessionState.AliceBaseKey = pm.BaseKey.key[:]

	return pm.PreKeyID, nil
}

// SessionCipher encrypts and decrypts messages for one peer address.
// Callers must serialize concurrent use for the same address; a ratchet
// is not safe under concurrent advancement.
type SessionCipher struct {
	RecipientID string
	DeviceID    uint32
	stores      Stores
	builder     *SessionBuilder
}

// NewSessionCipher creates a session cipher for one peer address.
func NewSessionCipher(stores Stores, recipientID string, deviceID uint32) *SessionCipher {
	return &SessionCipher{
		RecipientID: recipientID,
		DeviceID:    deviceID,
		stores:      stores,
		builder:     NewSessionBuilder(stores, recipientID, deviceID),
	}
}

// Encrypt encrypts a plaintext against the stored session, advancing
// the sending chain and persisting the record. It returns the wire
// bytes and the message type: MessageTypePreKey until the peer's first
// reply acknowledges the session, MessageTypeCiphertext afterwards.
func (sc *SessionCipher) Encrypt(plaintext []byte) ([]byte, int, error) {
	sr, err := sc.stores.LoadSession(sc.RecipientID, sc.DeviceID)
	if err != nil {
		return nil, 0, err
	}
	ss := sr.sessionState
	if !ss.hasSenderChain() {
		return nil, 0, ErrUninitializedSession
	}
	ck := ss.getSenderChainKey()
	keys, err := ck.getMessageKeys()
	if err != nil {
		return nil, 0, err
	}
	ciphertext, err := Encrypt(keys.CipherKey, keys.IV, plaintext)
	if err != nil {
		return nil, 0, err
	}

	wm, err := newWhisperMessage(keys.MacKey, ss.getSenderRatchetKey(), ck.Index,
		ss.PreviousCounter, ciphertext, ss.getLocalIdentityPublic(), ss.getRemoteIdentityPublic())
	if err != nil {
		return nil, 0, err
	}
	msg := wm.Serialize()
	msgType := MessageTypeCiphertext

	if ss.hasUnacknowledgedPreKeyMessage() {
		ppk := ss.PendingPreKey
		pm, err := newPreKeyMessage(ss.LocalRegistrationID, ppk.PreKeyID, ppk.SignedPreKeyID,
			NewECPublicKey(ppk.BaseKey), ss.getLocalIdentityPublic(), wm)
		if err != nil {
			return nil, 0, err
		}
		msg = pm.Serialize()
		msgType = MessageTypePreKey
	}

	ss.setSenderChainKey(ck.nextChainKey())
	if err := sc.stores.StoreSession(sc.RecipientID, sc.DeviceID, sr); err != nil {
		return nil, 0, err
	}
	return msg, msgType, nil
}

// RemoteRegistrationID returns the registration ID of the peer.
func (sc *SessionCipher) RemoteRegistrationID() (uint32, error) {
	sr, err := sc.stores.LoadSession(sc.RecipientID, sc.DeviceID)
	if err != nil {
		return 0, err
	}
	return sr.sessionState.RemoteRegistrationID, nil
}

// decrypt runs the receiving ratchet against the in-memory record. The
// record is only persisted by the caller after success, so a failure
// leaves stored state untouched.
func (sc *SessionCipher) decrypt(sr *SessionRecord, ciphertext *WhisperMessage) ([]byte, error) {
	ss := sr.sessionState
	if !ss.hasSenderChain() {
		return nil, ErrUninitializedSession
	}
	if uint32(ciphertext.Version) != ss.Version {
		return nil, UnsupportedVersionError{ciphertext.Version}
	}

	theirEphemeral := ciphertext.RatchetKey
	ck, err := getOrCreateChainKey(ss, theirEphemeral)
	if err != nil {
		return nil, err
	}
	keys, err := getOrCreateMessageKeys(ss, theirEphemeral, ck, ciphertext.Counter)
	if err != nil {
		return nil, err
	}

	if !ciphertext.verifyMAC(ss.getRemoteIdentityPublic(), ss.getLocalIdentityPublic(), keys.MacKey) {
		return nil, ErrInvalidMAC
	}
	plaintext, err := Decrypt(keys.CipherKey, append(keys.IV, ciphertext.Ciphertext...))
	if err != nil {
		return nil, err
	}

	ss.clearUnacknowledgedPreKeyMessage()
	return plaintext, nil
}

// DecryptWhisperMessage decrypts an ongoing (type 1) message and
// persists the advanced session.
func (sc *SessionCipher) DecryptWhisperMessage(ciphertext *WhisperMessage) ([]byte, error) {
	sr, err := sc.stores.LoadSession(sc.RecipientID, sc.DeviceID)
	if err != nil {
		return nil, err
	}
	plaintext, err := sc.decrypt(sr, ciphertext)
	if err != nil {
		return nil, err
	}
	if err := sc.stores.StoreSession(sc.RecipientID, sc.DeviceID, sr); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// DecryptPreKeyMessage decrypts a session-establishing (type 3)
// message, building the receiver session if needed. Only a successful
// decrypt pins the sender's identity and deletes the consumed one-time
// prekey: a message that fails authentication leaves every store
// untouched, and prekey deletion is the forward-secrecy boundary (the
// same prekey can never establish a second session).
func (sc *SessionCipher) DecryptPreKeyMessage(ciphertext *PreKeyMessage) ([]byte, error) {
	sr, err := sc.stores.LoadSession(sc.RecipientID, sc.DeviceID)
	if err != nil {
		return nil, err
	}
	pkid, err := sc.builder.BuildReceiverSession(sr, ciphertext)
	if err != nil {
		return nil, err
	}
	plaintext, err := sc.decrypt(sr, ciphertext.Message)
	if err != nil {
		return nil, err
	}
	if err := sc.stores.SaveIdentity(sc.RecipientID, ciphertext.IdentityKey); err != nil {
		return nil, err
	}
	if pkid != 0 {
		if err := sc.stores.RemovePreKey(pkid); err != nil {
			return nil, err
		}
	}
	if err := sc.stores.StoreSession(sc.RecipientID, sc.DeviceID, sr); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func getOrCreateChainKey(ss *sessionState, theirEphemeral *ECPublicKey) (*chainKey, error) {
	if ss.hasReceiverChain(theirEphemeral) {
		return ss.getReceiverChainKey(theirEphemeral), nil
	}

	rk := ss.getRootKey()
	ourEphemeral := ss.getSenderRatchetKeyPair()
	receiverChain, err := rk.createChain(theirEphemeral, ourEphemeral)
	if err != nil {
		return nil, err
	}

	ourNewEphemeral := NewECKeyPair()
	senderChain, err := receiverChain.rootKey.createChain(theirEphemeral, ourNewEphemeral)
	if err != nil {
		return nil, err
	}

	ss.RootKey = senderChain.rootKey.Key[:]
	ss.addReceiverChain(theirEphemeral, &receiverChain.chainKey)
	pc := ss.getSenderChainKey().Index
	if pc > 0 {
		pc--
	}
	ss.PreviousCounter = pc
	ss.setSenderChain(ourNewEphemeral, &senderChain.chainKey)
	return &receiverChain.chainKey, nil
}

func getOrCreateMessageKeys(ss *sessionState, theirEphemeral *ECPublicKey, ck *chainKey, counter uint32) (*messageKeys, error) {
	if ck.Index > counter {
		// Behind the chain: either a cached skipped key, or a replay.
		if ss.hasMessageKeys(theirEphemeral, counter) {
			return ss.removeMessageKeys(theirEphemeral, counter), nil
		}
		return nil, DuplicateMessageError{ck.Index, counter}
	}
	if int(counter)-int(ck.Index) > maxSkippedMessages {
		return nil, ErrTooFarInFuture
	}
	for ck.Index < counter {
		keys, err := ck.getMessageKeys()
		if err != nil {
			return nil, err
		}
		ss.setMessageKeys(theirEphemeral, keys)
		ck = ck.nextChainKey()
	}

	ss.setReceiverChainKey(theirEphemeral, ck.nextChainKey())
	return ck.getMessageKeys()
}
