package fromchat

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrStorageUnavailable is wrapped by every storage failure that makes
// the local store unusable. Callers may retry; nothing was partially
// written.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// StorageError wraps a storage-engine failure with the operation and
// path that failed. It matches ErrStorageUnavailable under errors.Is.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports a match for ErrStorageUnavailable so callers can test the
// whole class without knowing the operation.
func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// RecipientNotInitializedError means the peer has never set up
// encryption: there is no bundle to fetch. The user-facing remedy is
// for the peer to do initial setup, not merely to come online.
type RecipientNotInitializedError struct {
	PeerID string
}

func (e RecipientNotInitializedError) Error() string {
	return fmt.Sprintf("recipient %q has not initialized encryption", e.PeerID)
}

// PrekeyExhaustedError means the peer's bundle exists but its one-time
// prekey pool is empty. Distinct from RecipientNotInitializedError: a
// previously active peer only needs to come online and replenish.
type PrekeyExhaustedError struct {
	PeerID string
}

func (e PrekeyExhaustedError) Error() string {
	return fmt.Sprintf("recipient %q has no one-time prekeys left", e.PeerID)
}

// InvalidBundleError means a fetched bundle failed shape or signature
// validation; no session can be established from it.
type InvalidBundleError struct {
	PeerID string
	Reason error
}

func (e InvalidBundleError) Error() string {
	return fmt.Sprintf("invalid prekey bundle for %q: %v", e.PeerID, e.Reason)
}

func (e InvalidBundleError) Unwrap() error { return e.Reason }

// DecryptionFailedError means a message could not be decrypted: corrupt
// ciphertext, session desync, or a replay. The session state is left
// exactly as it was.
type DecryptionFailedError struct {
	PeerID string
	Cause  error
}

func (e DecryptionFailedError) Error() string {
	return fmt.Sprintf("cannot decrypt message from %q: %v", e.PeerID, e.Cause)
}

func (e DecryptionFailedError) Unwrap() error { return e.Cause }

// MalformedCiphertextError is a wire-format violation in an envelope
// body. It carries only the length and a short prefix, never the full
// ciphertext, so it is safe to log.
type MalformedCiphertextError struct {
	Length int
	Prefix string
	Reason string
}

func (e MalformedCiphertextError) Error() string {
	return fmt.Sprintf("malformed ciphertext (%s): length %d, prefix %q", e.Reason, e.Length, e.Prefix)
}
