package fromchat

import "sync"

// addressLocks serializes ratchet mutation per peer address. Operations
// for different peers proceed concurrently; two encrypts for the same
// peer never interleave.
type addressLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAddressLocks() *addressLocks {
	return &addressLocks{locks: make(map[string]*sync.Mutex)}
}

func (al *addressLocks) lock(peerID string) func() {
	al.mu.Lock()
	l, ok := al.locks[peerID]
	if !ok {
		l = &sync.Mutex{}
		al.locks[peerID] = l
	}
	al.mu.Unlock()

	l.Lock()
	return l.Unlock
}
