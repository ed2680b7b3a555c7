package repositories

import (
	"fmt"
	"strings"
)

// Sequence names a counter and the highest value it may hand out. Zero Limit is unbounded.
type Sequence struct {
	ID    string
	Limit int64
}

// Advance returns current+n, or a *SequenceError when the sequence has no id, n is not positive,
// or the result would pass Limit. Backends call it inside their read-modify-write.
func (s Sequence) Advance(current, n int64) (int64, error) {
	switch {
	case strings.TrimSpace(s.ID) == "" || n <= 0:
		return 0, &SequenceError{CounterID: s.ID, Step: n}
	case s.Limit > 0 && current+n > s.Limit:
		return 0, &SequenceError{CounterID: s.ID, Step: n, Limit: s.Limit, exhausted: true}
	}
	return current + n, nil
}

// SequenceError reports an order-number allocation the counter store refused.
type SequenceError struct {
	CounterID string
	Step      int64
	Limit     int64
	exhausted bool
}

var _ RepositoryError = (*SequenceError)(nil)

func (e *SequenceError) Error() string {
	switch {
	case e.exhausted:
		return fmt.Sprintf("sequence %s: advancing by %d exceeds limit %d", e.CounterID, e.Step, e.Limit)
	case strings.TrimSpace(e.CounterID) == "":
		return "sequence: counter id is required"
	default:
		return fmt.Sprintf("sequence %s: step must be positive, got %d", e.CounterID, e.Step)
	}
}

// Exhausted reports whether the counter ran out of numbers.
func (e *SequenceError) Exhausted() bool { return e.exhausted }

func (e *SequenceError) IsNotFound() bool { return false }

func (e *SequenceError) IsConflict() bool { return false }

// IsUnavailable is true once the sequence is exhausted; no retry can succeed until the next
// sequence starts.
func (e *SequenceError) IsUnavailable() bool { return e.exhausted }
