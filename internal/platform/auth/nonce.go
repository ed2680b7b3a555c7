package auth

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

// NonceStore remembers signature nonces per caller until they expire.
type NonceStore interface {
	// UseNonce stores nonce under scope and reports true, or reports false when the nonce is
	// already stored and unexpired.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

var errNonceScope = errors.New("auth: scope and nonce are required")

type nonceKey struct{ scope, nonce string }

// Expired nonces are swept at most this often; until then they are skipped on lookup.
const nonceSweepInterval = time.Minute

// InMemoryNonceStore only protects a single instance. The firestore driver uses
// FirestoreNonceStore instead.
type InMemoryNonceStore struct {
	mu        sync.Mutex
	seen      map[nonceKey]time.Time
	nextSweep time.Time
	now       func() time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{seen: make(map[nonceKey]time.Time), now: time.Now}
}

func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errNonceScope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !now.Before(s.nextSweep) {
		maps.DeleteFunc(s.seen, func(_ nonceKey, until time.Time) bool { return !until.After(now) })
		s.nextSweep = now.Add(nonceSweepInterval)
	}

	key := nonceKey{scope: scope, nonce: nonce}
	if until, ok := s.seen[key]; ok && until.After(now) {
		return false, nil
	}
	s.seen[key] = expiry
	return true, nil
}

func (s *InMemoryNonceStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
