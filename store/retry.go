package store

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures RunInTransaction's backoff between conflict
// retries. Zero value is not usable; use DefaultRetryPolicy.
type RetryPolicy struct {
	MaxRetries uint64
	Backoff    backoff.BackOff
}

// DefaultRetryPolicy mirrors the existing tick/time-budget caps
// on a task (server/scheduler.go's per-task limits): a conflict-retry loop
// gets its own small, bounded budget rather than retrying forever, with an
// exponential backoff so a hot key doesn't turn into a busy-spin.
func DefaultRetryPolicy() RetryPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoff.DefaultInitialInterval / 4
	b.MaxInterval = backoff.DefaultMaxInterval / 10
	return RetryPolicy{MaxRetries: 8, Backoff: b}
}

// ErrRetriesExhausted is returned by RunInTransaction when every attempt
// hit ErrConflict.
var ErrRetriesExhausted = errors.New("store: commit conflicts exhausted retry budget")

// RunInTransaction runs fn against a fresh Txn, committing on success. If
// Commit reports ErrConflict, it begins a new Txn from the (now newer)
// committed state and retries fn from scratch, per the five-step commit
// protocol's documented contract ("CompleteSuccess... on ConflictRetry,
// restart... up to N retries"). fn must be idempotent/side-effect-free
// outside of the Txn it's given, since a retried attempt replays fn
// entirely rather than resuming mid-way.
func RunInTransaction(s *Store, policy RetryPolicy, fn func(*Txn) error) error {
	var attempt uint64
	for {
		txn := s.Begin()
		if err := fn(txn); err != nil {
			return err
		}
		err := txn.Commit()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		attempt++
		if attempt >= policy.MaxRetries {
			return ErrRetriesExhausted
		}
		d := policy.Backoff.NextBackOff()
		if d == backoff.Stop {
			return ErrRetriesExhausted
		}
		if d > 0 {
			time.Sleep(d)
		}
	}
}
