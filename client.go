// Package fromchat implements the end-to-end encryption core for
// direct messages: double-ratchet sessions established from prekey
// bundles, encrypted local key storage, the padded message envelope
// codec and the encrypted session backup sync.
package fromchat

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Toolbox-io/fromchat-go/ratchet"
	"github.com/Toolbox-io/fromchat-go/xeddsa"
)

// DefaultDeviceID is the single device slot this client occupies.
// Multi-device fan-out is out of scope; session backup covers the
// new-device case instead.
const DefaultDeviceID uint32 = 1

const (
	initialSignedPreKeyID = 1
	preKeyPoolSize        = 100
)

// Client owns the encryption state of one local user: its store, its
// transport to the directory and backup service, and a lock per peer
// so ratchet state never advances concurrently for the same address.
type Client struct {
	cfg       *Config
	store     *Store
	transport transporter
	locks     *addressLocks
}

// New creates a client from a config, opening local storage.
func New(cfg *Config) (*Client, error) {
	if cfg.LogLevel != "" {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, errors.Wrap(err, "parsing log level")
		}
		log.SetLevel(level)
	}
	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cfg,
		store:     store,
		transport: newHTTPTransporter(cfg),
		locks:     newAddressLocks(),
	}
	store.SetSessionSyncHook(c.uploadSessionRecord)
	if cfg.Password != "" {
		store.SetBackupKey(DeriveBackupKey(cfg.Password, cfg.UserID))
	}
	return c, nil
}

// Store exposes the client's key storage.
func (c *Client) Store() *Store {
	return c.store
}

// Setup is the idempotent first-run initialization: if identity
// material already exists it returns immediately, otherwise it
// generates the identity key pair, registration ID, signed prekey and
// the one-time prekey pool, persists everything and publishes the
// bundle to the directory.
func (c *Client) Setup() error {
	if c.store.IsInitialized() {
		return nil
	}
	log.Infof("generating encryption identity for %s", c.cfg.UserID)

	identity := ratchet.GenerateIdentityKeyPair()
	if err := c.store.SetIdentityKeyPair(identity); err != nil {
		return err
	}
	if err := c.store.SetLocalRegistrationID(randUint32() & 0x3FFF); err != nil {
		return err
	}
	if _, err := c.generateSignedPreKey(initialSignedPreKeyID, identity); err != nil {
		return err
	}

	start := randUint32()%ratchet.MaxPreKeyID + 1
	for _, record := range ratchet.GeneratePreKeys(start, preKeyPoolSize) {
		if err := c.store.StorePreKey(record.ID, record); err != nil {
			return err
		}
	}
	return c.PublishPreKeys()
}

func (c *Client) generateSignedPreKey(id uint32, identity *ratchet.IdentityKeyPair) (*ratchet.SignedPreKeyRecord, error) {
	kp := ratchet.NewECKeyPair()
	var random [64]byte
	randBytes(random[:])
	signature := xeddsa.Sign(identity.PrivateKey.Key(), kp.PublicKey.Serialize(), random)

	record := ratchet.NewSignedPreKeyRecord(id, uint64(time.Now().UnixMilli()), kp, signature[:])
	if err := c.store.StoreSignedPreKey(id, record); err != nil {
		return nil, err
	}
	return record, nil
}

// RotateSignedPreKey generates, stores and publishes a replacement
// signed prekey. Sessions established against the previous one keep
// working because the old record stays in storage.
func (c *Client) RotateSignedPreKey() error {
	identity, err := c.store.GetIdentityKeyPair()
	if err != nil {
		return err
	}
	id := randUint32()%ratchet.MaxPreKeyID + 1
	if _, err := c.generateSignedPreKey(id, identity); err != nil {
		return err
	}
	return c.PublishPreKeys()
}

// PublishPreKeys pushes the current publishable material, base bundle
// plus the whole one-time pool, to the directory service.
func (c *Client) PublishPreKeys() error {
	baseBundle, err := c.buildBaseBundle()
	if err != nil {
		return err
	}
	records, err := c.store.ListPreKeys()
	if err != nil {
		return err
	}
	prekeys := make([]PreKeyEntity, 0, len(records))
	for _, record := range records {
		prekeys = append(prekeys, PreKeyEntity{
			KeyID:     record.ID,
			PublicKey: encodeKey(record.KeyPair().PublicKey.Serialize()),
		})
	}
	return c.uploadAllPreKeys(baseBundle, prekeys)
}

// buildBaseBundle assembles the publishable bundle without a one-time
// prekey. The persisted signed prekey signature is reused as-is; keys
// are never re-signed on read.
func (c *Client) buildBaseBundle() (*PreKeyBundleDTO, error) {
	identity, err := c.store.GetIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	regID, err := c.store.GetLocalRegistrationID()
	if err != nil {
		return nil, err
	}
	signed, err := c.store.LoadSignedPreKey(initialSignedPreKeyID)
	if err != nil {
		return nil, err
	}
	return &PreKeyBundleDTO{
		RegistrationID: regID,
		IdentityKey:    encodeKey(identity.PublicKey.Serialize()),
		SignedPreKey: SignedPreKeyEntity{
			KeyID:     signed.ID,
			PublicKey: encodeKey(signed.KeyPair().PublicKey.Serialize()),
			Signature: encodeKey(signed.Signature),
		},
	}, nil
}

// HasSession reports whether a session with the peer exists locally.
func (c *Client) HasSession(peerID string) bool {
	return c.store.ContainsSession(peerID, DefaultDeviceID)
}

// EnsureSession makes sure a session with the peer exists, fetching and
// consuming a prekey bundle if needed.
func (c *Client) EnsureSession(peerID string) error {
	unlock := c.locks.lock(peerID)
	defer unlock()
	return c.ensureSessionLocked(peerID)
}

func (c *Client) ensureSessionLocked(peerID string) error {
	if c.store.ContainsSession(peerID, DefaultDeviceID) {
		return nil
	}
	dto, err := c.fetchPreKeyBundle(peerID)
	if err != nil {
		return err
	}
	bundle, err := bundleFromDTO(peerID, dto)
	if err != nil {
		return err
	}
	builder := ratchet.NewSessionBuilder(c.store, peerID, DefaultDeviceID)
	if err := builder.BuildSenderSession(bundle); err != nil {
		if _, ok := err.(ratchet.InvalidSignatureError); ok {
			return InvalidBundleError{PeerID: peerID, Reason: err}
		}
		return err
	}
	return nil
}

// EncryptMessage encrypts a plaintext for a peer and wraps it into an
// envelope ready for the relay service, establishing the session first
// if none exists.
func (c *Client) EncryptMessage(peerID, plaintext string) (*Envelope, error) {
	unlock := c.locks.lock(peerID)
	defer unlock()

	if err := c.ensureSessionLocked(peerID); err != nil {
		return nil, err
	}
	cipher := ratchet.NewSessionCipher(c.store, peerID, DefaultDeviceID)
	msg, msgType, err := cipher.Encrypt([]byte(plaintext))
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(CipherPayload{
		Type: msgType,
		Body: base64.StdEncoding.EncodeToString(msg),
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding cipher payload")
	}
	return &Envelope{
		SenderID:    c.cfg.UserID,
		RecipientID: peerID,
		Ciphertext:  Wrap(string(payload)),
		Timestamp:   time.Now().UnixMilli(),
	}, nil
}

// DecryptMessage unwraps and decrypts an incoming envelope. A body hit
// by the historical corruption bug yields CorruptedMessageSentinel with
// no error; any cryptographic failure is reported as
// DecryptionFailedError and leaves the stored session untouched.
func (c *Client) DecryptMessage(env *Envelope) (string, error) {
	peerID := env.SenderID
	unlock := c.locks.lock(peerID)
	defer unlock()

	unwrapped, err := Unwrap(env.Ciphertext)
	if err != nil {
		return "", err
	}
	if unwrapped == CorruptedMessageSentinel {
		return CorruptedMessageSentinel, nil
	}
	var payload CipherPayload
	if err := json.Unmarshal([]byte(unwrapped), &payload); err != nil {
		return "", MalformedCiphertextError{
			Length: len(unwrapped),
			Prefix: logPrefix(unwrapped),
			Reason: "payload is not valid JSON",
		}
	}
	body, err := base64.StdEncoding.DecodeString(payload.Body)
	if err != nil {
		return "", MalformedCiphertextError{
			Length: len(payload.Body),
			Prefix: logPrefix(payload.Body),
			Reason: "body is not valid base64",
		}
	}

	cipher := ratchet.NewSessionCipher(c.store, peerID, DefaultDeviceID)
	var plaintext []byte
	switch payload.Type {
	case ratchet.MessageTypePreKey:
		pm, err := ratchet.LoadPreKeyMessage(body)
		if err != nil {
			return "", DecryptionFailedError{PeerID: peerID, Cause: err}
		}
		plaintext, err = cipher.DecryptPreKeyMessage(pm)
		if err != nil {
			return "", DecryptionFailedError{PeerID: peerID, Cause: err}
		}
	case ratchet.MessageTypeCiphertext:
		wm, err := ratchet.LoadWhisperMessage(body)
		if err != nil {
			return "", DecryptionFailedError{PeerID: peerID, Cause: err}
		}
		plaintext, err = cipher.DecryptWhisperMessage(wm)
		if err != nil {
			return "", DecryptionFailedError{PeerID: peerID, Cause: err}
		}
	default:
		return "", DecryptionFailedError{
			PeerID: peerID,
			Cause:  errors.Errorf("unknown message type %d", payload.Type),
		}
	}
	return string(plaintext), nil
}

// EndSession removes all local session state for a peer. The next
// message in either direction establishes a fresh session.
func (c *Client) EndSession(peerID string) error {
	unlock := c.locks.lock(peerID)
	defer unlock()
	return c.store.DeleteAllSessions(peerID)
}

// Logout clears the cached backup key.
func (c *Client) Logout() {
	c.store.ClearBackupKey()
}
