package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Document is a decoded snapshot.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// QueryBuilder narrows a collection query before it runs.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection gives typed access to one collection. Every call joins the transaction bound to ctx by
// UnitOfWork, if any; reads made inside it are remembered so Lookup can return them without a
// second read.
type Collection[T any] struct {
	provider *Provider
	name     string
}

func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// writeOp is one mutation, expressed for both transactional and direct execution.
type writeOp struct {
	action string
	tx     func(*firestore.Transaction, *firestore.DocumentRef) error
	direct func(context.Context, *firestore.DocumentRef) error
}

func (c *Collection[T]) write(ctx context.Context, id string, op writeOp) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFrom(ctx); ok {
		err = op.tx(tx, ref)
	} else {
		err = op.direct(ctx, ref)
	}
	return WrapError(c.op(op.action), err)
}

// Create stores value under id; an existing document is a conflict.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	return c.write(ctx, id, writeOp{
		action: "create",
		tx: func(tx *firestore.Transaction, ref *firestore.DocumentRef) error {
			return tx.Create(ref, value)
		},
		direct: func(ctx context.Context, ref *firestore.DocumentRef) error {
			_, err := ref.Create(ctx, value)
			return err
		},
	})
}

// Set replaces the document under id.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	return c.write(ctx, id, writeOp{
		action: "set",
		tx: func(tx *firestore.Transaction, ref *firestore.DocumentRef) error {
			return tx.Set(ref, value)
		},
		direct: func(ctx context.Context, ref *firestore.DocumentRef) error {
			_, err := ref.Set(ctx, value)
			return err
		},
	})
}

// Update applies field updates to an existing document.
func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update) error {
	return c.write(ctx, id, writeOp{
		action: "update",
		tx: func(tx *firestore.Transaction, ref *firestore.DocumentRef) error {
			return tx.Update(ref, updates)
		},
		direct: func(ctx context.Context, ref *firestore.DocumentRef) error {
			_, err := ref.Update(ctx, updates)
			return err
		},
	})
}

// Delete removes the document under id. A missing document is not an error.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.write(ctx, id, writeOp{
		action: "delete",
		tx: func(tx *firestore.Transaction, ref *firestore.DocumentRef) error {
			return tx.Delete(ref)
		},
		direct: func(ctx context.Context, ref *firestore.DocumentRef) error {
			_, err := ref.Delete(ctx)
			return err
		},
	})
}

// Get reads the document under id.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	var snap *firestore.DocumentSnapshot
	if tx, ok := TransactionFrom(ctx); ok {
		snap, err = tx.Get(ref)
		if snap != nil {
			rememberRead(ctx, snap)
		}
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.decode(snap)
}

// Lookup returns the snapshot already read in the current transaction, or reads it like Get.
// Firestore rejects reads after writes in a transaction, so code that writes a document it read
// earlier uses Lookup for any later look at it.
func (c *Collection[T]) Lookup(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, ok := ReadInTransaction(ctx, ref)
	if !ok {
		return c.Get(ctx, id)
	}
	if !snap.Exists() {
		return Document[T]{}, WrapError(c.op("get"), status.Errorf(codes.NotFound, "%s not found", ref.Path))
	}
	return c.decode(snap)
}

// Query runs the built query and decodes every result.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	tx, inTx := TransactionFrom(ctx)
	var iter *firestore.DocumentIterator
	if inTx {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		if inTx {
			rememberRead(ctx, snap)
		}
		doc, err := c.decode(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

// Ref returns the reference for id, for callers that need raw transaction access.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("ref"), errors.New("document id is required"))
	}
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil || c.name == "" {
		return nil, errors.New("firestore: collection is not configured")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) decode(snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s/%s: %w", c.name, snap.Ref.ID, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}
