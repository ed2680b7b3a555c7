package firestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

type txKey struct{}

// txScope is the transaction bound to a context plus the snapshots read through it. Firestore
// rejects reads once a transaction has written, so a late version check consults reads instead.
type txScope struct {
	tx *firestore.Transaction

	mu    sync.Mutex
	reads map[string]*firestore.DocumentSnapshot
}

func scopeOf(ctx context.Context) *txScope {
	if ctx == nil {
		return nil
	}
	scope, _ := ctx.Value(txKey{}).(*txScope)
	return scope
}

// WithTransaction binds tx to ctx; collection calls made with the result join it.
func WithTransaction(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, &txScope{tx: tx, reads: map[string]*firestore.DocumentSnapshot{}})
}

func TransactionFrom(ctx context.Context) (*firestore.Transaction, bool) {
	if scope := scopeOf(ctx); scope != nil {
		return scope.tx, true
	}
	return nil, false
}

// ReadInTransaction returns the snapshot of ref if the transaction on ctx already read it.
func ReadInTransaction(ctx context.Context, ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, bool) {
	scope := scopeOf(ctx)
	if scope == nil || ref == nil {
		return nil, false
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	snap, ok := scope.reads[ref.Path]
	return snap, ok
}

func rememberRead(ctx context.Context, snap *firestore.DocumentSnapshot) {
	scope := scopeOf(ctx)
	if scope == nil || snap == nil || snap.Ref == nil {
		return
	}
	scope.mu.Lock()
	scope.reads[snap.Ref.Path] = snap
	scope.mu.Unlock()
}

// UnitOfWork implements repositories.UnitOfWork on Firestore transactions. Attempts and timeout
// come from the provider's config. An aborted transaction is retried, so fn may run more than once.
type UnitOfWork struct {
	provider *Provider
}

func NewUnitOfWork(provider *Provider) *UnitOfWork {
	return &UnitOfWork{provider: provider}
}

// RunInTx joins the transaction already on ctx, if any. An error from fn is returned as is; only
// commit failures are classified through WrapError.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}
	if scopeOf(ctx) != nil {
		return fn(ctx)
	}
	if u == nil || u.provider == nil {
		return WrapError("transaction", errors.New("firestore: provider is nil"))
	}
	client, err := u.provider.Client(ctx)
	if err != nil {
		return err
	}

	attempts, timeout := u.limits()
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var fnErr error
	err = client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		fnErr = fn(WithTransaction(ctx, tx))
		return fnErr
	}, firestore.MaxAttempts(attempts))
	if fnErr != nil {
		return fnErr
	}
	return WrapError("transaction", err)
}

func (u *UnitOfWork) limits() (int, time.Duration) {
	attempts, timeout := u.provider.cfg.TxAttempts, u.provider.cfg.TxTimeout
	if attempts <= 0 {
		attempts = defaultTxAttempts
	}
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	return attempts, timeout
}
