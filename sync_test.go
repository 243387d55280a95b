package fromchat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupBlobRoundTrip(t *testing.T) {
	master := DeriveBackupKey("secret", "alice")
	record := []byte(`{"currentSession":{"sessionVersion":3}}`)

	encrypted, err := encryptSessionRecord(master, record)
	require.NoError(t, err)
	assert.NotContains(t, encrypted, "sessionVersion", "server-side blob must be opaque")

	decrypted, err := decryptSessionRecord(master, encrypted)
	require.NoError(t, err)
	assert.Equal(t, record, decrypted)
}

func TestBackupBlobRejectsWrongKey(t *testing.T) {
	master := DeriveBackupKey("secret", "alice")
	encrypted, err := encryptSessionRecord(master, []byte(`{"currentSession":{}}`))
	require.NoError(t, err)

	_, err = decryptSessionRecord(DeriveBackupKey("wrong", "alice"), encrypted)
	assert.Error(t, err)
}

func TestDeriveBackupKeyBoundToUser(t *testing.T) {
	assert.NotEqual(t,
		DeriveBackupKey("same password", "alice"),
		DeriveBackupKey("same password", "bob"),
		"two users with the same password must get different keys")
}

func establishedPair(t *testing.T, srv *fakeServer) (*Client, *Client) {
	t.Helper()
	alice := newTestClient(t, srv, "alice")
	bob := newTestClient(t, srv, "bob")

	env, err := alice.EncryptMessage("bob", "establish")
	require.NoError(t, err)
	_, err = bob.DecryptMessage(env)
	require.NoError(t, err)
	reply, err := bob.EncryptMessage("alice", "ack")
	require.NoError(t, err)
	_, err = alice.DecryptMessage(reply)
	require.NoError(t, err)
	return alice, bob
}

func TestUploadAndRestoreSessions(t *testing.T) {
	srv := newFakeServer()
	alice, bob := establishedPair(t, srv)

	report, err := alice.UploadAllSessions()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
	assert.Zero(t, report.Skipped)

	// A message sent before the loss, delivered after the restore.
	preWipe, err := bob.EncryptMessage("alice", "sent before the wipe")
	require.NoError(t, err)

	// Simulate storage loss.
	require.NoError(t, alice.store.DeleteAllSessions("bob"))
	require.False(t, alice.HasSession("bob"))

	report, err = alice.RestoreSessions()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)
	require.True(t, alice.HasSession("bob"))

	// The restored ratchet decrypts what was in flight and continues
	// where it left off.
	plaintext, err := alice.DecryptMessage(preWipe)
	require.NoError(t, err)
	assert.Equal(t, "sent before the wipe", plaintext)

	env, err := alice.EncryptMessage("bob", "back again")
	require.NoError(t, err)
	plaintext, err = bob.DecryptMessage(env)
	require.NoError(t, err)
	assert.Equal(t, "back again", plaintext)
}

func TestRestoreSessionsIdempotent(t *testing.T) {
	srv := newFakeServer()
	alice, _ := establishedPair(t, srv)

	_, err := alice.UploadAllSessions()
	require.NoError(t, err)

	_, err = alice.RestoreSessions()
	require.NoError(t, err)
	once, err := alice.store.LoadSession("bob", DefaultDeviceID)
	require.NoError(t, err)
	onceBytes, err := once.Serialize()
	require.NoError(t, err)

	_, err = alice.RestoreSessions()
	require.NoError(t, err)
	twice, err := alice.store.LoadSession("bob", DefaultDeviceID)
	require.NoError(t, err)
	twiceBytes, err := twice.Serialize()
	require.NoError(t, err)

	assert.Equal(t, onceBytes, twiceBytes, "restoring twice must equal restoring once")
}

func TestRestoreSkipsUndecryptableRecords(t *testing.T) {
	srv := newFakeServer()
	alice, _ := establishedPair(t, srv)

	_, err := alice.UploadAllSessions()
	require.NoError(t, err)

	srv.mu.Lock()
	srv.sessions["alice"]["mallory_1"] = EncryptedSessionBackup{
		RecipientID:   "mallory",
		DeviceID:      1,
		EncryptedData: `{"salt":"AAAA","iv":"AAAA","ciphertext":"AAAA"}`,
	}
	srv.mu.Unlock()

	report, err := alice.RestoreSessions()
	require.NoError(t, err, "one bad record must not abort the restore")
	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Reasons, 1)
	assert.Contains(t, report.Reasons[0], "mallory")
	assert.False(t, alice.HasSession("mallory"))
}

func TestSyncHookUploadsSessionInBackground(t *testing.T) {
	srv := newFakeServer()
	alice := newTestClient(t, srv, "alice")
	newTestClient(t, srv, "bob")

	// Establishing and advancing the session writes more than once; the
	// channel is wide enough for every hook invocation.
	done := make(chan struct{}, 8)
	alice.store.SetSessionSyncHook(func(recipientID string, deviceID uint32, record []byte) {
		alice.uploadSessionRecord(recipientID, deviceID, record)
		done <- struct{}{}
	})

	_, err := alice.EncryptMessage("bob", "hello")
	require.NoError(t, err)
	<-done

	srv.mu.Lock()
	_, uploaded := srv.sessions["alice"]["bob_1"]
	srv.mu.Unlock()
	assert.True(t, uploaded, "the write-through hook must mirror the session to the server")
}
