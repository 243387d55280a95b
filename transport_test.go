package fromchat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeServer emulates the directory and backup endpoints in memory so
// two clients can talk to each other in tests.
type fakeServer struct {
	mu       sync.Mutex
	bundles  map[string]*PreKeyBundleDTO
	prekeys  map[string][]PreKeyEntity
	sessions map[string]map[string]EncryptedSessionBackup
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		bundles:  make(map[string]*PreKeyBundleDTO),
		prekeys:  make(map[string][]PreKeyEntity),
		sessions: make(map[string]map[string]EncryptedSessionBackup),
	}
}

// fakeTransport routes one client's requests into the fake server,
// carrying the user identity a real deployment gets from auth.
type fakeTransport struct {
	srv    *fakeServer
	userID string
}

func jsonResponse(status int, body interface{}) (*response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &response{Status: status, Body: b}, nil
}

func (ft *fakeTransport) get(path string) (*response, error) {
	ft.srv.mu.Lock()
	defer ft.srv.mu.Unlock()

	switch {
	case strings.HasPrefix(path, "/crypto/signal/prekey-bundle/of/"):
		peerID := strings.TrimPrefix(path, "/crypto/signal/prekey-bundle/of/")
		base, ok := ft.srv.bundles[peerID]
		if !ok {
			return &response{Status: http.StatusNotFound}, nil
		}
		dto := *base
		if pool := ft.srv.prekeys[peerID]; len(pool) > 0 {
			pk := pool[0]
			ft.srv.prekeys[peerID] = pool[1:]
			dto.PreKey = &pk
		}
		return jsonResponse(http.StatusOK, &dto)

	case path == sessionsPath:
		var backups []EncryptedSessionBackup
		for _, b := range ft.srv.sessions[ft.userID] {
			backups = append(backups, b)
		}
		return jsonResponse(http.StatusOK, backups)
	}
	return &response{Status: http.StatusNotFound}, nil
}

func (ft *fakeTransport) postJSON(path string, body interface{}) (*response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	ft.srv.mu.Lock()
	defer ft.srv.mu.Unlock()

	switch path {
	case preKeyBundlePath:
		dto := &PreKeyBundleDTO{}
		if err := json.Unmarshal(b, dto); err != nil {
			return nil, err
		}
		if dto.PreKey != nil {
			ft.srv.prekeys[ft.userID] = append(ft.srv.prekeys[ft.userID], *dto.PreKey)
			dto.PreKey = nil
		}
		ft.srv.bundles[ft.userID] = dto
		return &response{Status: http.StatusOK}, nil

	case preKeyBulkPath:
		upload := &preKeyBulkUpload{}
		if err := json.Unmarshal(b, upload); err != nil {
			return nil, err
		}
		ft.srv.bundles[ft.userID] = &upload.BaseBundle
		ft.srv.prekeys[ft.userID] = upload.PreKeys
		return &response{Status: http.StatusOK}, nil

	case sessionsPath:
		var backups []EncryptedSessionBackup
		if err := json.Unmarshal(b, &backups); err != nil {
			return nil, err
		}
		stored := ft.srv.sessions[ft.userID]
		if stored == nil {
			stored = make(map[string]EncryptedSessionBackup)
			ft.srv.sessions[ft.userID] = stored
		}
		for _, backup := range backups {
			key := fmt.Sprintf("%s_%d", backup.RecipientID, backup.DeviceID)
			stored[key] = backup
		}
		return &response{Status: http.StatusOK}, nil
	}
	return &response{Status: http.StatusNotFound}, nil
}

func TestHTTPTransporterSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	ht := newHTTPTransporter(&Config{Server: srv.URL, UserID: "alice", Token: "tok123"})
	resp, err := ht.get("/crypto/signal/sessions")
	require.NoError(t, err)
	require.False(t, resp.isError())
	require.Equal(t, "Bearer tok123", gotAuth)
}

// newTestClient creates a fully initialized client wired to the fake
// server. The sync hook is left unregistered so tests stay
// deterministic; sync tests drive uploads explicitly.
func newTestClient(t *testing.T, srv *fakeServer, userID string) *Client {
	t.Helper()
	cfg := &Config{
		UserID:          userID,
		StorageDir:      t.TempDir(),
		StoragePassword: "storage-" + userID,
		Password:        "login-" + userID,
	}
	store, err := NewStore(cfg)
	require.NoError(t, err)
	store.SetBackupKey(DeriveBackupKey(cfg.Password, cfg.UserID))

	c := &Client{
		cfg:       cfg,
		store:     store,
		transport: &fakeTransport{srv: srv, userID: userID},
		locks:     newAddressLocks(),
	}
	require.NoError(t, c.Setup())
	return c
}
