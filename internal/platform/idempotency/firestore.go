package idempotency

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
)

const defaultCollection = "idempotencyKeys"

// FirestoreStore keeps one document per key. Every call is its own transaction, so concurrent
// Begin calls for one key leave exactly one Proceed.
type FirestoreStore struct {
	docs *pfirestore.Collection[entryDocument]
	uow  *pfirestore.UnitOfWork
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreStore uses collection, or idempotencyKeys when it is empty.
func NewFirestoreStore(provider *pfirestore.Provider, collection string) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	if collection = strings.TrimSpace(collection); collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{
		docs: pfirestore.NewCollection[entryDocument](provider, collection),
		uow:  pfirestore.NewUnitOfWork(provider),
	}, nil
}

func (s *FirestoreStore) Begin(ctx context.Context, key Key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	var (
		outcome Outcome
		result  Entry
	)
	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.current(ctx, key)
		if err != nil {
			return err
		}
		o, entry, write, err := begin(current, key, fingerprint, now.UTC(), ttl)
		if err != nil {
			return err
		}
		if write {
			if err := s.docs.Set(ctx, key.id(), newEntryDocument(entry)); err != nil {
				return err
			}
		}
		outcome, result = o, entry
		return nil
	})
	return outcome, result, err
}

func (s *FirestoreStore) Finish(ctx context.Context, key Key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	return s.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.current(ctx, key)
		if err != nil {
			return err
		}
		entry, err := finish(current, key, fingerprint, resp, now.UTC(), ttl)
		if err != nil {
			return err
		}
		return s.docs.Set(ctx, key.id(), newEntryDocument(entry))
	})
}

func (s *FirestoreStore) Abandon(ctx context.Context, key Key, fingerprint string) error {
	return s.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.current(ctx, key)
		if err != nil || current == nil || current.Fingerprint != fingerprint || current.Status != StatusInFlight {
			return err
		}
		return s.docs.Delete(ctx, key.id())
	})
}

func (s *FirestoreStore) current(ctx context.Context, key Key) (*Entry, error) {
	doc, err := s.docs.Get(ctx, key.id())
	switch {
	case pfirestore.IsNotFound(err):
		return nil, nil
	case err != nil:
		return nil, err
	}
	entry := doc.Data.entry()
	return &entry, nil
}

type entryDocument struct {
	Caller         string              `firestore:"caller"`
	Key            string              `firestore:"key"`
	Fingerprint    string              `firestore:"fingerprint"`
	Status         string              `firestore:"status"`
	ResponseStatus int                 `firestore:"responseStatus,omitempty"`
	ResponseHeader map[string][]string `firestore:"responseHeader,omitempty"`
	ResponseBody   []byte              `firestore:"responseBody,omitempty"`
	CreatedAt      time.Time           `firestore:"createdAt"`
	UpdatedAt      time.Time           `firestore:"updatedAt"`
	ExpiresAt      time.Time           `firestore:"expiresAt"`
}

func newEntryDocument(e Entry) entryDocument {
	return entryDocument{
		Caller:         e.Key.Caller,
		Key:            e.Key.Value,
		Fingerprint:    e.Fingerprint,
		Status:         string(e.Status),
		ResponseStatus: e.Response.Status,
		ResponseHeader: e.Response.Header,
		ResponseBody:   e.Response.Body,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		ExpiresAt:      e.ExpiresAt,
	}
}

func (d entryDocument) entry() Entry {
	return Entry{
		Key:         Key{Caller: d.Caller, Value: d.Key},
		Fingerprint: d.Fingerprint,
		Status:      Status(d.Status),
		Response:    Response{Status: d.ResponseStatus, Header: http.Header(d.ResponseHeader), Body: d.ResponseBody},
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}
