package fromchat

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"

	"github.com/Toolbox-io/fromchat-go/ratchet"
)

// Store is the durable key storage for one local user. The layout under
// <storageDir>/<userID>/ mirrors the logical tables: identity material,
// one-time prekeys, signed prekeys and per-peer sessions, each in its
// own directory. Files are encrypted at rest with a key derived from
// the storage password unless the store is configured unencrypted.
type Store struct {
	root   string
	userID string

	identityDir      string
	preKeysDir       string
	signedPreKeysDir string
	sessionsDir      string

	unencrypted bool
	aesKey      []byte
	macKey      []byte

	mu        sync.Mutex
	backupKey []byte
	restoring bool
	syncHook  func(recipientID string, deviceID uint32, record []byte)
}

const (
	storageKDFIterations = 16384
	storageSaltLength    = 16
	storageMACLength     = 32
)

// NewStore opens (creating if necessary) the storage namespace for
// cfg.UserID.
func NewStore(cfg *Config) (*Store, error) {
	root := filepath.Join(cfg.StorageDir, cfg.UserID)
	s := &Store{
		root:             root,
		userID:           cfg.UserID,
		identityDir:      filepath.Join(root, "identity"),
		preKeysDir:       filepath.Join(root, "prekeys"),
		signedPreKeysDir: filepath.Join(root, "signed_prekeys"),
		sessionsDir:      filepath.Join(root, "sessions"),
		unencrypted:      cfg.UnencryptedStorage || cfg.StoragePassword == "",
	}
	for _, dir := range []string{s.identityDir, s.preKeysDir, s.signedPreKeysDir, s.sessionsDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	if !s.unencrypted {
		if err := s.deriveStorageKeys(cfg.StoragePassword); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) deriveStorageKeys(password string) error {
	saltPath := filepath.Join(s.root, "salt")
	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt = make([]byte, storageSaltLength)
		randBytes(salt)
		if err := writeFileAtomic(saltPath, salt); err != nil {
			return &StorageError{Op: "write", Path: saltPath, Err: err}
		}
	} else if err != nil {
		return &StorageError{Op: "read", Path: saltPath, Err: err}
	}

	keys := pbkdf2.Key([]byte(password), salt, storageKDFIterations, 64, sha256.New)
	s.aesKey = keys[:32]
	s.macKey = keys[32:]
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) writeFile(path string, data []byte) error {
	if !s.unencrypted {
		enc, err := aesEncrypt(s.aesKey, data)
		if err != nil {
			return &StorageError{Op: "encrypt", Path: path, Err: err}
		}
		data = appendMAC(s.macKey, enc)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	return nil
}

func (s *Store) readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	if s.unencrypted {
		return data, nil
	}
	if len(data) < storageMACLength {
		return nil, &StorageError{Op: "read", Path: path, Err: errShortCiphertext}
	}
	macPos := len(data) - storageMACLength
	if !verifyMAC(s.macKey, data[:macPos], data[macPos:]) {
		return nil, &StorageError{Op: "authenticate", Path: path, Err: errInvalidStorageMAC}
	}
	plaintext, err := aesDecrypt(s.aesKey, data[:macPos])
	if err != nil {
		return nil, &StorageError{Op: "decrypt", Path: path, Err: err}
	}
	return plaintext, nil
}

var errInvalidStorageMAC = fmt.Errorf("invalid storage MAC")

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsInitialized reports whether local identity material exists.
func (s *Store) IsInitialized() bool {
	return exists(filepath.Join(s.identityDir, "identity_key"))
}

// SetIdentityKeyPair persists the local identity key pair.
func (s *Store) SetIdentityKeyPair(kp *ratchet.IdentityKeyPair) error {
	b := make([]byte, 64)
	copy(b, kp.PrivateKey.Key()[:])
	copy(b[32:], kp.PublicKey.Key()[:])
	return s.writeFile(filepath.Join(s.identityDir, "identity_key"), b)
}

// GetIdentityKeyPair returns the local identity key pair.
func (s *Store) GetIdentityKeyPair() (*ratchet.IdentityKeyPair, error) {
	b, err := s.readFile(filepath.Join(s.identityDir, "identity_key"))
	if err != nil {
		return nil, err
	}
	if len(b) != 64 {
		return nil, &StorageError{Op: "read", Path: s.identityDir, Err: fmt.Errorf("identity key has length %d", len(b))}
	}
	return ratchet.NewIdentityKeyPairFromKeys(b[:32], b[32:]), nil
}

// SetLocalRegistrationID persists the local registration ID.
func (s *Store) SetLocalRegistrationID(id uint32) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return s.writeFile(filepath.Join(s.identityDir, "registration_id"), b)
}

// GetLocalRegistrationID returns the local registration ID.
func (s *Store) GetLocalRegistrationID() (uint32, error) {
	b, err := s.readFile(filepath.Join(s.identityDir, "registration_id"))
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, &StorageError{Op: "read", Path: s.identityDir, Err: fmt.Errorf("registration id has length %d", len(b))}
	}
	return binary.BigEndian.Uint32(b), nil
}

// SaveIdentity pins a peer's identity key.
func (s *Store) SaveIdentity(peerID string, key *ratchet.IdentityKey) error {
	return s.writeFile(filepath.Join(s.identityDir, "remote_"+peerID), key.Key()[:])
}

// IsTrustedIdentity always trusts on first use; there is no key
// verification surface in scope.
func (s *Store) IsTrustedIdentity(string, *ratchet.IdentityKey) bool {
	return true
}

func (s *Store) preKeyPath(id uint32) string {
	return filepath.Join(s.preKeysDir, fmt.Sprintf("%09d", id))
}

// LoadPreKey loads a one-time prekey record.
func (s *Store) LoadPreKey(id uint32) (*ratchet.PreKeyRecord, error) {
	b, err := s.readFile(s.preKeyPath(id))
	if err != nil {
		return nil, err
	}
	return ratchet.LoadPreKeyRecord(b)
}

// StorePreKey persists a one-time prekey record.
func (s *Store) StorePreKey(id uint32, record *ratchet.PreKeyRecord) error {
	b, err := record.Serialize()
	if err != nil {
		return err
	}
	return s.writeFile(s.preKeyPath(id), b)
}

// ContainsPreKey reports whether a one-time prekey exists.
func (s *Store) ContainsPreKey(id uint32) bool {
	return exists(s.preKeyPath(id))
}

// RemovePreKey deletes a one-time prekey. Removing an absent key is not
// an error; the forward-secrecy contract is that it is gone afterwards.
func (s *Store) RemovePreKey(id uint32) error {
	err := os.Remove(s.preKeyPath(id))
	if err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove", Path: s.preKeyPath(id), Err: err}
	}
	return nil
}

// ListPreKeys returns all stored one-time prekey records.
func (s *Store) ListPreKeys() ([]*ratchet.PreKeyRecord, error) {
	entries, err := os.ReadDir(s.preKeysDir)
	if err != nil {
		return nil, &StorageError{Op: "list", Path: s.preKeysDir, Err: err}
	}
	records := make([]*ratchet.PreKeyRecord, 0, len(entries))
	for _, e := range entries {
		id, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		record, err := s.LoadPreKey(uint32(id))
		if err != nil {
			log.Warnf("skipping unreadable prekey %s: %v", e.Name(), err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *Store) signedPreKeyPath(id uint32) string {
	return filepath.Join(s.signedPreKeysDir, fmt.Sprintf("%09d", id))
}

// LoadSignedPreKey loads a signed prekey record.
func (s *Store) LoadSignedPreKey(id uint32) (*ratchet.SignedPreKeyRecord, error) {
	b, err := s.readFile(s.signedPreKeyPath(id))
	if err != nil {
		return nil, err
	}
	return ratchet.LoadSignedPreKeyRecord(b)
}

// StoreSignedPreKey persists a signed prekey record.
func (s *Store) StoreSignedPreKey(id uint32, record *ratchet.SignedPreKeyRecord) error {
	b, err := record.Serialize()
	if err != nil {
		return err
	}
	return s.writeFile(s.signedPreKeyPath(id), b)
}

// ContainsSignedPreKey reports whether a signed prekey exists.
func (s *Store) ContainsSignedPreKey(id uint32) bool {
	return exists(s.signedPreKeyPath(id))
}

// RemoveSignedPreKey deletes a signed prekey.
func (s *Store) RemoveSignedPreKey(id uint32) error {
	err := os.Remove(s.signedPreKeyPath(id))
	if err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove", Path: s.signedPreKeyPath(id), Err: err}
	}
	return nil
}

func (s *Store) sessionPath(recipientID string, deviceID uint32) string {
	return filepath.Join(s.sessionsDir, fmt.Sprintf("%s_%d", recipientID, deviceID))
}

// LoadSession returns the session record for a peer address. A missing
// or corrupt record yields a fresh one rather than an error; a session
// that cannot be read is the same as no session.
func (s *Store) LoadSession(recipientID string, deviceID uint32) (*ratchet.SessionRecord, error) {
	path := s.sessionPath(recipientID, deviceID)
	if !exists(path) {
		return ratchet.NewSessionRecord(), nil
	}
	b, err := s.readFile(path)
	if err != nil {
		log.Warnf("treating unreadable session %s_%d as absent: %v", recipientID, deviceID, err)
		return ratchet.NewSessionRecord(), nil
	}
	record, err := ratchet.LoadSessionRecord(b)
	if err != nil {
		log.Warnf("treating corrupt session %s_%d as absent: %v", recipientID, deviceID, err)
		return ratchet.NewSessionRecord(), nil
	}
	return record, nil
}

// StoreSession persists a session record. After a successful write, a
// registered sync hook is invoked asynchronously with the serialized
// record unless the store is in restore mode.
func (s *Store) StoreSession(recipientID string, deviceID uint32, record *ratchet.SessionRecord) error {
	b, err := record.Serialize()
	if err != nil {
		return err
	}
	if err := s.writeFile(s.sessionPath(recipientID, deviceID), b); err != nil {
		return err
	}
	record.Fresh = false

	s.mu.Lock()
	hook := s.syncHook
	restoring := s.restoring
	s.mu.Unlock()
	if hook != nil && !restoring {
		go hook(recipientID, deviceID, b)
	}
	return nil
}

// ContainsSession reports whether a loadable session record exists. A
// record that cannot be read or parsed counts as absent, matching
// LoadSession, so callers re-establish instead of hitting an
// uninitialized ratchet.
func (s *Store) ContainsSession(recipientID string, deviceID uint32) bool {
	path := s.sessionPath(recipientID, deviceID)
	if !exists(path) {
		return false
	}
	b, err := s.readFile(path)
	if err != nil {
		return false
	}
	_, err = ratchet.LoadSessionRecord(b)
	return err == nil
}

// DeleteSession deletes one session record.
func (s *Store) DeleteSession(recipientID string, deviceID uint32) error {
	path := s.sessionPath(recipientID, deviceID)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// DeleteAllSessions deletes every session record for a peer.
func (s *Store) DeleteAllSessions(recipientID string) error {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return &StorageError{Op: "list", Path: s.sessionsDir, Err: err}
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), recipientID+"_") {
			path := filepath.Join(s.sessionsDir, e.Name())
			if err := os.Remove(path); err != nil {
				return &StorageError{Op: "remove", Path: path, Err: err}
			}
		}
	}
	return nil
}

// SessionEntry is one stored session as returned by ListSessions.
type SessionEntry struct {
	RecipientID string
	DeviceID    uint32
	Record      []byte
}

// ListSessions returns every stored session with its serialized record.
func (s *Store) ListSessions() ([]SessionEntry, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return nil, &StorageError{Op: "list", Path: s.sessionsDir, Err: err}
	}
	sessions := make([]SessionEntry, 0, len(entries))
	for _, e := range entries {
		sep := strings.LastIndex(e.Name(), "_")
		if sep < 1 {
			continue
		}
		deviceID, err := strconv.ParseUint(e.Name()[sep+1:], 10, 32)
		if err != nil {
			continue
		}
		recipientID := e.Name()[:sep]
		b, err := s.readFile(filepath.Join(s.sessionsDir, e.Name()))
		if err != nil {
			log.Warnf("skipping unreadable session %s: %v", e.Name(), err)
			continue
		}
		sessions = append(sessions, SessionEntry{
			RecipientID: recipientID,
			DeviceID:    uint32(deviceID),
			Record:      b,
		})
	}
	return sessions, nil
}

// SetSessionSyncHook registers the callback StoreSession fires after
// each successful write. The hook runs on its own goroutine and must
// handle its own failures.
func (s *Store) SetSessionSyncHook(hook func(recipientID string, deviceID uint32, record []byte)) {
	s.mu.Lock()
	s.syncHook = hook
	s.mu.Unlock()
}

// SetRestoring toggles restore mode, which suppresses the sync hook so
// records just pulled from the backup store are not re-uploaded.
func (s *Store) SetRestoring(restoring bool) {
	s.mu.Lock()
	s.restoring = restoring
	s.mu.Unlock()
}

// SetBackupKey caches the derived session backup key for the lifetime
// of the process.
func (s *Store) SetBackupKey(key []byte) {
	s.mu.Lock()
	s.backupKey = append([]byte(nil), key...)
	s.mu.Unlock()
}

// BackupKey returns the cached backup key, or nil if none is set.
func (s *Store) BackupKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backupKey
}

// ClearBackupKey forgets the cached backup key, typically on logout.
func (s *Store) ClearBackupKey() {
	s.mu.Lock()
	s.backupKey = nil
	s.mu.Unlock()
}
