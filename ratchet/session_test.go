package ratchet

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Toolbox-io/fromchat-go/xeddsa"
)

// An in-memory implementation of the store interfaces, useful for testing.
type inMemoryStores struct {
	identity       *IdentityKeyPair
	registrationID uint32
	remotes        map[string][]byte
	preKeys        map[uint32][]byte
	signedPreKeys  map[uint32][]byte
	sessions       map[string][]byte
}

func newInMemoryStores() *inMemoryStores {
	return &inMemoryStores{
		identity:       GenerateIdentityKeyPair(),
		registrationID: 0x1234,
		remotes:        make(map[string][]byte),
		preKeys:        make(map[uint32][]byte),
		signedPreKeys:  make(map[uint32][]byte),
		sessions:       make(map[string][]byte),
	}
}

func (s *inMemoryStores) GetIdentityKeyPair() (*IdentityKeyPair, error) {
	return s.identity, nil
}

func (s *inMemoryStores) GetLocalRegistrationID() (uint32, error) {
	return s.registrationID, nil
}

func (s *inMemoryStores) SaveIdentity(id string, key *IdentityKey) error {
	s.remotes[id] = key.Key()[:]
	return nil
}

func (s *inMemoryStores) IsTrustedIdentity(string, *IdentityKey) bool {
	return true
}

func (s *inMemoryStores) LoadPreKey(id uint32) (*PreKeyRecord, error) {
	b, ok := s.preKeys[id]
	if !ok {
		return nil, fmt.Errorf("prekey %d not found", id)
	}
	return LoadPreKeyRecord(b)
}

func (s *inMemoryStores) StorePreKey(id uint32, record *PreKeyRecord) error {
	b, err := record.Serialize()
	if err != nil {
		return err
	}
	s.preKeys[id] = b
	return nil
}

func (s *inMemoryStores) ContainsPreKey(id uint32) bool {
	_, ok := s.preKeys[id]
	return ok
}

func (s *inMemoryStores) RemovePreKey(id uint32) error {
	delete(s.preKeys, id)
	return nil
}

func (s *inMemoryStores) LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error) {
	b, ok := s.signedPreKeys[id]
	if !ok {
		return nil, fmt.Errorf("signed prekey %d not found", id)
	}
	return LoadSignedPreKeyRecord(b)
}

func (s *inMemoryStores) StoreSignedPreKey(id uint32, record *SignedPreKeyRecord) error {
	b, err := record.Serialize()
	if err != nil {
		return err
	}
	s.signedPreKeys[id] = b
	return nil
}

func (s *inMemoryStores) ContainsSignedPreKey(id uint32) bool {
	_, ok := s.signedPreKeys[id]
	return ok
}

func (s *inMemoryStores) RemoveSignedPreKey(id uint32) error {
	delete(s.signedPreKeys, id)
	return nil
}

func sessionKey(recipientID string, deviceID uint32) string {
	return fmt.Sprintf("%s.%d", recipientID, deviceID)
}

func (s *inMemoryStores) LoadSession(recipientID string, deviceID uint32) (*SessionRecord, error) {
	b, ok := s.sessions[sessionKey(recipientID, deviceID)]
	if !ok {
		return NewSessionRecord(), nil
	}
	return LoadSessionRecord(b)
}

func (s *inMemoryStores) StoreSession(recipientID string, deviceID uint32, record *SessionRecord) error {
	b, err := record.Serialize()
	if err != nil {
		return err
	}
	record.Fresh = false
	s.sessions[sessionKey(recipientID, deviceID)] = b
	return nil
}

func (s *inMemoryStores) ContainsSession(recipientID string, deviceID uint32) bool {
	_, ok := s.sessions[sessionKey(recipientID, deviceID)]
	return ok
}

func (s *inMemoryStores) DeleteSession(recipientID string, deviceID uint32) error {
	delete(s.sessions, sessionKey(recipientID, deviceID))
	return nil
}

func (s *inMemoryStores) DeleteAllSessions(recipientID string) error {
	for k := range s.sessions {
		if strings.HasPrefix(k, recipientID+".") {
			delete(s.sessions, k)
		}
	}
	return nil
}

// publishBundle makes a peer's publishable bundle out of its stores,
// generating a signed prekey and one one-time prekey.
func publishBundle(t *testing.T, s *inMemoryStores, preKeyID, signedPreKeyID uint32) *PreKeyBundle {
	t.Helper()

	pk := NewPreKeyRecord(preKeyID, NewECKeyPair())
	require.NoError(t, s.StorePreKey(preKeyID, pk))

	kp := NewECKeyPair()
	var random [64]byte
	randBytes(random[:])
	sig := xeddsa.Sign(s.identity.PrivateKey.Key(), kp.PublicKey.Serialize(), random)
	spk := NewSignedPreKeyRecord(signedPreKeyID, uint64(time.Now().UnixMilli()), kp, sig[:])
	require.NoError(t, s.StoreSignedPreKey(signedPreKeyID, spk))

	pkb, err := NewPreKeyBundle(s.registrationID, 1, preKeyID, NewECPublicKey(pk.PublicKey),
		signedPreKeyID, NewECPublicKey(spk.PublicKey), sig[:], &s.identity.PublicKey)
	require.NoError(t, err)
	return pkb
}

func decryptWire(t *testing.T, sc *SessionCipher, msg []byte, msgType int) []byte {
	t.Helper()
	switch msgType {
	case MessageTypePreKey:
		pm, err := LoadPreKeyMessage(msg)
		require.NoError(t, err)
		b, err := sc.DecryptPreKeyMessage(pm)
		require.NoError(t, err)
		return b
	case MessageTypeCiphertext:
		wm, err := LoadWhisperMessage(msg)
		require.NoError(t, err)
		b, err := sc.DecryptWhisperMessage(wm)
		require.NoError(t, err)
		return b
	default:
		t.Fatalf("unexpected message type %d", msgType)
		return nil
	}
}

func TestSessionRoundTrip(t *testing.T) {
	alice := newInMemoryStores()
	bob := newInMemoryStores()

	bundle := publishBundle(t, bob, 31, 22)
	require.NoError(t, NewSessionBuilder(alice, "bob", 1).BuildSenderSession(bundle))

	aliceCipher := NewSessionCipher(alice, "bob", 1)
	bobCipher := NewSessionCipher(bob, "alice", 1)

	msg, msgType, err := aliceCipher.Encrypt([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, MessageTypePreKey, msgType, "first message must be a prekey message")

	plaintext := decryptWire(t, bobCipher, msg, msgType)
	assert.Equal(t, []byte("hi"), plaintext)

	// The consumed one-time prekey must be gone.
	assert.False(t, bob.ContainsPreKey(31), "one-time prekey must be deleted after use")

	// Bob replies; once Alice processes it the session is acknowledged
	// and subsequent messages are ordinary ciphertexts.
	reply, replyType, err := bobCipher.Encrypt([]byte("hello yourself"))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeCiphertext, replyType)
	assert.Equal(t, []byte("hello yourself"), decryptWire(t, aliceCipher, reply, replyType))

	msg2, msgType2, err := aliceCipher.Encrypt([]byte("how are you"))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeCiphertext, msgType2, "acknowledged session must send type 1")
	assert.Equal(t, []byte("how are you"), decryptWire(t, bobCipher, msg2, msgType2))
}

func TestSessionConversation(t *testing.T) {
	alice := newInMemoryStores()
	bob := newInMemoryStores()

	bundle := publishBundle(t, bob, 7, 3)
	require.NoError(t, NewSessionBuilder(alice, "bob", 1).BuildSenderSession(bundle))

	aliceCipher := NewSessionCipher(alice, "bob", 1)
	bobCipher := NewSessionCipher(bob, "alice", 1)

	for i := 0; i < 10; i++ {
		text := fmt.Sprintf("ping %d", i)
		msg, msgType, err := aliceCipher.Encrypt([]byte(text))
		require.NoError(t, err)
		assert.Equal(t, []byte(text), decryptWire(t, bobCipher, msg, msgType))

		text = fmt.Sprintf("pong %d", i)
		msg, msgType, err = bobCipher.Encrypt([]byte(text))
		require.NoError(t, err)
		assert.Equal(t, []byte(text), decryptWire(t, aliceCipher, msg, msgType))
	}
}

func TestSessionOutOfOrderDelivery(t *testing.T) {
	alice := newInMemoryStores()
	bob := newInMemoryStores()

	bundle := publishBundle(t, bob, 40, 41)
	require.NoError(t, NewSessionBuilder(alice, "bob", 1).BuildSenderSession(bundle))

	aliceCipher := NewSessionCipher(alice, "bob", 1)
	bobCipher := NewSessionCipher(bob, "alice", 1)

	first, firstType, err := aliceCipher.Encrypt([]byte("first"))
	require.NoError(t, err)
	second, secondType, err := aliceCipher.Encrypt([]byte("second"))
	require.NoError(t, err)
	third, thirdType, err := aliceCipher.Encrypt([]byte("third"))
	require.NoError(t, err)

	// Deliver 3, then 1, then 2: the skip window caches the keys for
	// the messages that were jumped over.
	assert.Equal(t, []byte("third"), decryptWire(t, bobCipher, third, thirdType))
	assert.Equal(t, []byte("first"), decryptWire(t, bobCipher, first, firstType))
	assert.Equal(t, []byte("second"), decryptWire(t, bobCipher, second, secondType))
}

func TestSessionRejectsDuplicateDecrypt(t *testing.T) {
	alice := newInMemoryStores()
	bob := newInMemoryStores()

	bundle := publishBundle(t, bob, 8, 9)
	require.NoError(t, NewSessionBuilder(alice, "bob", 1).BuildSenderSession(bundle))

	aliceCipher := NewSessionCipher(alice, "bob", 1)
	bobCipher := NewSessionCipher(bob, "alice", 1)

	msg, msgType, err := aliceCipher.Encrypt([]byte("once"))
	require.NoError(t, err)
	decryptWire(t, bobCipher, msg, msgType)

	// Re-decrypting the same envelope must fail: the chain key for that
	// counter has been consumed.
	pm, err := LoadPreKeyMessage(msg)
	require.NoError(t, err)
	_, err = bobCipher.DecryptPreKeyMessage(pm)
	assert.Error(t, err)
	assert.IsType(t, DuplicateMessageError{}, err)
}

func TestSessionFailedDecryptLeavesStateIntact(t *testing.T) {
	alice := newInMemoryStores()
	bob := newInMemoryStores()

	bundle := publishBundle(t, bob, 50, 51)
	require.NoError(t, NewSessionBuilder(alice, "bob", 1).BuildSenderSession(bundle))

	aliceCipher := NewSessionCipher(alice, "bob", 1)
	bobCipher := NewSessionCipher(bob, "alice", 1)

	good, goodType, err := aliceCipher.Encrypt([]byte("good"))
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), decryptWire(t, bobCipher, good, goodType))

	next, _, err := aliceCipher.Encrypt([]byte("next"))
	require.NoError(t, err)

	// Corrupt the MAC: decrypt must fail and must not advance Bob's
	// stored session.
	before := append([]byte(nil), bob.sessions[sessionKey("alice", 1)]...)
	tampered := append([]byte(nil), next...)
	tampered[len(tampered)-1] ^= 0xFF
	wm, err := LoadWhisperMessage(tampered)
	require.NoError(t, err)
	_, err = bobCipher.DecryptWhisperMessage(wm)
	assert.Error(t, err)
	assert.Equal(t, before, bob.sessions[sessionKey("alice", 1)], "failed decrypt must not mutate stored session")

	// The untampered message still decrypts afterwards.
	wm, err = LoadWhisperMessage(next)
	require.NoError(t, err)
	b, err := bobCipher.DecryptWhisperMessage(wm)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), b)
}

func TestFailedPreKeyDecryptPinsNothing(t *testing.T) {
	alice := newInMemoryStores()
	bob := newInMemoryStores()

	bundle := publishBundle(t, bob, 60, 61)
	require.NoError(t, NewSessionBuilder(alice, "bob", 1).BuildSenderSession(bundle))

	aliceCipher := NewSessionCipher(alice, "bob", 1)
	bobCipher := NewSessionCipher(bob, "alice", 1)

	msg, msgType, err := aliceCipher.Encrypt([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, MessageTypePreKey, msgType)

	// Corrupt the inner message MAC: an unauthenticated prekey message
	// must not pin the sender's identity, consume the one-time prekey
	// or store a session.
	pm, err := LoadPreKeyMessage(msg)
	require.NoError(t, err)
	pm.Message.serialized[len(pm.Message.serialized)-1] ^= 0xFF
	_, err = bobCipher.DecryptPreKeyMessage(pm)
	assert.Error(t, err)
	assert.NotContains(t, bob.remotes, "alice", "identity pinned before authentication")
	assert.True(t, bob.ContainsPreKey(60), "prekey consumed before authentication")
	assert.False(t, bob.ContainsSession("alice", 1))

	// The genuine message still establishes the session and pins the
	// identity afterwards.
	pm.Message.serialized[len(pm.Message.serialized)-1] ^= 0xFF
	b, err := bobCipher.DecryptPreKeyMessage(pm)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)
	assert.Contains(t, bob.remotes, "alice")
	assert.False(t, bob.ContainsPreKey(60))
}

func TestBuildSenderSessionRejectsBadSignature(t *testing.T) {
	alice := newInMemoryStores()
	bob := newInMemoryStores()

	bundle := publishBundle(t, bob, 5, 6)
	bundle.SignedPreKeySignature[10] ^= 0x01

	err := NewSessionBuilder(alice, "bob", 1).BuildSenderSession(bundle)
	assert.Error(t, err)
	assert.IsType(t, InvalidSignatureError{}, err)
	assert.False(t, alice.ContainsSession("bob", 1), "no session may be stored on signature failure")
}

func TestBuildSenderSessionWithoutOneTimePreKey(t *testing.T) {
	alice := newInMemoryStores()
	bob := newInMemoryStores()

	bundle := publishBundle(t, bob, 12, 13)
	// Peer pool exhausted: bundle carries no one-time prekey.
	bundle.PreKeyID = 0
	bundle.PreKeyPublic = nil

	require.NoError(t, NewSessionBuilder(alice, "bob", 1).BuildSenderSession(bundle))

	aliceCipher := NewSessionCipher(alice, "bob", 1)
	bobCipher := NewSessionCipher(bob, "alice", 1)

	msg, msgType, err := aliceCipher.Encrypt([]byte("no otk"))
	require.NoError(t, err)
	assert.Equal(t, MessageTypePreKey, msgType)
	assert.Equal(t, []byte("no otk"), decryptWire(t, bobCipher, msg, msgType))
	// Nothing was consumed from the pool.
	assert.True(t, bob.ContainsPreKey(12))
}

func TestEncryptWithoutSession(t *testing.T) {
	alice := newInMemoryStores()
	_, _, err := NewSessionCipher(alice, "nobody", 1).Encrypt([]byte("hi"))
	assert.Equal(t, ErrUninitializedSession, err)
}
