package firestore

import (
	"context"
	"errors"
	"time"

	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	Value     int64     `firestore:"value"`
	Limit     int64     `firestore:"limit,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CounterRepository keeps one document per sequence in the counters collection.
type CounterRepository struct {
	counters *pfirestore.Collection[counterDocument]
	uow      *pfirestore.UnitOfWork
	clock    func() time.Time
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		counters: pfirestore.NewCollection[counterDocument](provider, countersCollection),
		uow:      pfirestore.NewUnitOfWork(provider),
		clock:    time.Now,
	}, nil
}

// Reserve runs inside the caller's transaction when there is one, so numbers taken by a checkout
// that later aborts are returned with it.
func (r *CounterRepository) Reserve(ctx context.Context, seq repositories.Sequence, n int64) (int64, error) {
	if _, err := seq.Advance(0, n); err != nil {
		return 0, err
	}

	var last int64
	err := r.uow.RunInTx(ctx, func(ctx context.Context) error {
		var current int64
		doc, err := r.counters.Lookup(ctx, seq.ID)
		switch {
		case err == nil:
			current = doc.Data.Value
		case !pfirestore.IsNotFound(err):
			return err
		}

		next, err := seq.Advance(current, n)
		if err != nil {
			return err
		}
		if err := r.counters.Set(ctx, seq.ID, counterDocument{Value: next, Limit: seq.Limit, UpdatedAt: r.clock().UTC()}); err != nil {
			return err
		}
		last = next
		return nil
	})

	var seqErr *repositories.SequenceError
	switch {
	case errors.As(err, &seqErr):
		return 0, seqErr
	case err != nil:
		return 0, pfirestore.WrapError("counters.reserve", err)
	}
	return last, nil
}
