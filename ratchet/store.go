package ratchet

// Storage interfaces the engine depends on. The concrete implementation
// lives with the client; tests use in-memory fakes.

// IdentityStore provides access to the local identity information and
// remembered peer identities.
type IdentityStore interface {
	GetIdentityKeyPair() (*IdentityKeyPair, error)
	GetLocalRegistrationID() (uint32, error)
	SaveIdentity(string, *IdentityKey) error
	IsTrustedIdentity(string, *IdentityKey) bool
}

// PreKeyStore provides access to the local one-time prekeys.
type PreKeyStore interface {
	LoadPreKey(uint32) (*PreKeyRecord, error)
	StorePreKey(uint32, *PreKeyRecord) error
	ContainsPreKey(uint32) bool
	RemovePreKey(uint32) error
}

// SignedPreKeyStore provides access to the local signed prekeys.
type SignedPreKeyStore interface {
	LoadSignedPreKey(uint32) (*SignedPreKeyRecord, error)
	StoreSignedPreKey(uint32, *SignedPreKeyRecord) error
	ContainsSignedPreKey(uint32) bool
	RemoveSignedPreKey(uint32) error
}

// SessionStore provides access to the local session records.
type SessionStore interface {
	LoadSession(string, uint32) (*SessionRecord, error)
	StoreSession(string, uint32, *SessionRecord) error
	ContainsSession(string, uint32) bool
	DeleteSession(string, uint32) error
	DeleteAllSessions(string) error
}

// Stores bundles the four storage interfaces a session needs.
type Stores interface {
	IdentityStore
	PreKeyStore
	SignedPreKeyStore
	SessionStore
}
