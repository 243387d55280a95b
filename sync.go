package fromchat

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/Toolbox-io/fromchat-go/ratchet"
)

// Session backup keeps an encrypted copy of every local session on the
// server so a cleared store or a new device can pick up existing
// conversations. The server only ever sees opaque blobs; the key is
// derived from the login password and never leaves the client.

// EncryptedSessionBackup is one server-side session blob.
type EncryptedSessionBackup struct {
	RecipientID   string `json:"recipientId"`
	DeviceID      uint32 `json:"deviceId"`
	EncryptedData string `json:"encryptedData"`
}

// backupBlob is the content of EncryptedData: a fresh salt per record,
// the GCM nonce and the sealed session record.
type backupBlob struct {
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

const (
	backupKDFIterations = 100000
	backupSaltLength    = 16
	backupContext       = "fromchat-session-backup"
)

// DeriveBackupKey derives the stable session backup master key from the
// login password, bound to the user ID so two users with the same
// password get different keys.
func DeriveBackupKey(password, userID string) []byte {
	salt := []byte(backupContext + ":" + userID)
	return pbkdf2.Key([]byte(password), salt, backupKDFIterations, 32, sha256.New)
}

// recordKey expands the master key with a per-record salt so no two
// blobs share an encryption key.
func recordKey(master, salt []byte) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, master, salt, []byte(backupContext))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "expanding backup key")
	}
	return key, nil
}

func encryptSessionRecord(master, record []byte) (string, error) {
	salt := make([]byte, backupSaltLength)
	randBytes(salt)
	key, err := recordKey(master, salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcm.NonceSize())
	randBytes(iv)

	blob := backupBlob{
		Salt:       salt,
		IV:         iv,
		Ciphertext: gcm.Seal(nil, iv, record, nil),
	}
	b, err := json.Marshal(blob)
	if err != nil {
		return "", errors.Wrap(err, "encoding backup blob")
	}
	return string(b), nil
}

func decryptSessionRecord(master []byte, encryptedData string) ([]byte, error) {
	var blob backupBlob
	if err := json.Unmarshal([]byte(encryptedData), &blob); err != nil {
		return nil, errors.Wrap(err, "decoding backup blob")
	}
	key, err := recordKey(master, blob.Salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob.IV) != gcm.NonceSize() {
		return nil, errors.Errorf("backup blob nonce has length %d", len(blob.IV))
	}
	return gcm.Open(nil, blob.IV, blob.Ciphertext, nil)
}

// SyncReport summarizes a bulk backup or restore. Skipped records carry
// their reasons; a nonzero Skipped count is not a failure of the batch.
type SyncReport struct {
	Uploaded int
	Restored int
	Skipped  int
	Reasons  []string
}

func (r *SyncReport) skip(format string, args ...interface{}) {
	r.Skipped++
	r.Reasons = append(r.Reasons, errors.Errorf(format, args...).Error())
}

const sessionsPath = "/crypto/signal/sessions"

// UploadAllSessions encrypts every local session and pushes the batch
// to the backup store. Records that fail to read or encrypt are skipped
// and reported, not fatal.
func (c *Client) UploadAllSessions() (*SyncReport, error) {
	master := c.store.BackupKey()
	if master == nil {
		return nil, errors.New("no backup key derived; log in first")
	}
	sessions, err := c.store.ListSessions()
	if err != nil {
		return nil, err
	}

	report := &SyncReport{}
	backups := make([]EncryptedSessionBackup, 0, len(sessions))
	for _, entry := range sessions {
		data, err := encryptSessionRecord(master, entry.Record)
		if err != nil {
			log.Warnf("skipping session %s_%d in backup: %v", entry.RecipientID, entry.DeviceID, err)
			report.skip("session %s_%d: %v", entry.RecipientID, entry.DeviceID, err)
			continue
		}
		backups = append(backups, EncryptedSessionBackup{
			RecipientID:   entry.RecipientID,
			DeviceID:      entry.DeviceID,
			EncryptedData: data,
		})
	}

	resp, err := c.transport.postJSON(sessionsPath, backups)
	if err != nil {
		return nil, err
	}
	if resp.isError() {
		return nil, errors.Errorf("uploading sessions: %s", resp.Error())
	}
	report.Uploaded = len(backups)
	return report, nil
}

// RestoreSessions pulls every backed-up session, decrypts it with the
// cached backup key and writes it into local storage. Individual
// records that fail to decrypt are skipped so one bad peer session
// never blocks the rest; a network failure aborts the whole restore.
func (c *Client) RestoreSessions() (*SyncReport, error) {
	master := c.store.BackupKey()
	if master == nil {
		return nil, errors.New("no backup key derived; log in first")
	}
	resp, err := c.transport.get(sessionsPath)
	if err != nil {
		return nil, err
	}
	if resp.isError() {
		return nil, errors.Errorf("fetching sessions: %s", resp.Error())
	}
	var backups []EncryptedSessionBackup
	if err := json.Unmarshal(resp.Body, &backups); err != nil {
		return nil, errors.Wrap(err, "decoding session backups")
	}

	c.store.SetRestoring(true)
	defer c.store.SetRestoring(false)

	report := &SyncReport{}
	for _, backup := range backups {
		record, err := decryptSessionRecord(master, backup.EncryptedData)
		if err != nil {
			log.Warnf("skipping undecryptable session backup for %s_%d: %v", backup.RecipientID, backup.DeviceID, err)
			report.skip("session %s_%d: %v", backup.RecipientID, backup.DeviceID, err)
			continue
		}
		sr, err := ratchet.LoadSessionRecord(record)
		if err != nil {
			log.Warnf("skipping malformed session backup for %s_%d: %v", backup.RecipientID, backup.DeviceID, err)
			report.skip("session %s_%d: %v", backup.RecipientID, backup.DeviceID, err)
			continue
		}
		if err := c.store.StoreSession(backup.RecipientID, backup.DeviceID, sr); err != nil {
			return report, err
		}
		report.Restored++
	}
	return report, nil
}

// uploadSessionRecord is the store's sync hook: a fire-and-forget push
// of a single just-written session. Failures are logged and swallowed;
// the local write already succeeded.
func (c *Client) uploadSessionRecord(recipientID string, deviceID uint32, record []byte) {
	master := c.store.BackupKey()
	if master == nil {
		return
	}
	data, err := encryptSessionRecord(master, record)
	if err != nil {
		log.Warnf("background session backup for %s_%d failed: %v", recipientID, deviceID, err)
		return
	}
	backup := []EncryptedSessionBackup{{
		RecipientID:   recipientID,
		DeviceID:      deviceID,
		EncryptedData: data,
	}}
	resp, err := c.transport.postJSON(sessionsPath, backup)
	if err != nil {
		log.Warnf("background session backup for %s_%d failed: %v", recipientID, deviceID, err)
		return
	}
	if resp.isError() {
		log.Warnf("background session backup for %s_%d failed: %s", recipientID, deviceID, resp.Error())
	}
}
