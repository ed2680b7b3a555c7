package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
)

const defaultNonceCollection = "authNonces"

type nonceDocument struct {
	Scope     string    `firestore:"scope"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// FirestoreNonceStore persists nonces so replays are rejected across instances. Documents are
// created with an expiresAt field for a Firestore TTL policy; an expired document found on a
// later use is overwritten.
type FirestoreNonceStore struct {
	nonces *pfirestore.Collection[nonceDocument]
	uow    *pfirestore.UnitOfWork
	now    func() time.Time
}

// NewFirestoreNonceStore builds a store on the given collection (authNonces when empty).
func NewFirestoreNonceStore(provider *pfirestore.Provider, collection string) (*FirestoreNonceStore, error) {
	if provider == nil {
		return nil, errors.New("auth: firestore provider is required")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = defaultNonceCollection
	}
	return &FirestoreNonceStore{
		nonces: pfirestore.NewCollection[nonceDocument](provider, collection),
		uow:    pfirestore.NewUnitOfWork(provider),
		now:    time.Now,
	}, nil
}

// UseNonce creates the nonce document, treating an unexpired existing document as a replay.
func (s *FirestoreNonceStore) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errNonceScope
	}
	sum := sha256.Sum256([]byte(scope + "::" + nonce))
	id := hex.EncodeToString(sum[:])

	stored := false
	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.nonces.Get(ctx, id)
		switch {
		case pfirestore.IsNotFound(err):
		case err != nil:
			return err
		case existing.Data.ExpiresAt.After(s.now()):
			stored = false
			return nil
		}
		if err := s.nonces.Set(ctx, id, nonceDocument{Scope: scope, ExpiresAt: expiry.UTC()}); err != nil {
			return err
		}
		stored = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}
