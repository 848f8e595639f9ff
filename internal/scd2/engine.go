package scd2

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chronicle/pkg/platform/sentinel"
	"chronicle/pkg/platform/tx"
)

// Engine applies the close-and-open transition rules for one record type.
// All writes for a transition happen in a single transaction supplied by
// the runner; the in-memory runner serializes callers, the SQL runner
// relies on the row lock FindCurrent takes on the current row.
type Engine[K comparable, R Record[K]] struct {
	rows   RowStore[K, R]
	runner tx.Runner
}

func NewEngine[K comparable, R Record[K]](rows RowStore[K, R], runner tx.Runner) *Engine[K, R] {
	return &Engine[K, R]{rows: rows, runner: runner}
}

// GetCurrent returns the open version for key.
func (e *Engine[K, R]) GetCurrent(ctx context.Context, key K) (R, error) {
	return e.rows.FindCurrent(ctx, key)
}

// GetAsOf returns the version whose validity interval contains at.
func (e *Engine[K, R]) GetAsOf(ctx context.Context, key K, at time.Time) (R, error) {
	return e.rows.FindAsOf(ctx, key, at)
}

// History returns all versions for key, valid_from ascending.
func (e *Engine[K, R]) History(ctx context.Context, key K) ([]R, error) {
	return e.rows.History(ctx, key)
}

// Transition performs one close-and-open step for key at the given instant.
//
// build receives the current version (nil when the key has no current
// version) and returns the fully merged next version: carried-over fields
// applied, content hash computed, validity stamped ValidFrom=at with open
// ValidTo. When the next hash equals the current hash nothing is written
// and the current version is returned with changed=false.
//
// onChange, when non-nil, runs inside the same transaction after the insert
// so an audit record commits or rolls back together with the transition;
// before is nil for the insert-without-close case.
func (e *Engine[K, R]) Transition(
	ctx context.Context,
	key K,
	at time.Time,
	build func(current *R) (R, error),
	onChange func(ctx context.Context, before *R, after R) error,
) (R, bool, error) {
	var (
		result  R
		changed bool
	)

	err := e.runner.RunInTx(ctx, func(ctx context.Context) error {
		var before *R
		current, err := e.rows.FindCurrent(ctx, key)
		switch {
		case err == nil:
			before = &current
		case errors.Is(err, sentinel.ErrNotFound):
			// First version for this key: plain insert, no close.
		default:
			return fmt.Errorf("find current version: %w", err)
		}

		next, err := build(before)
		if err != nil {
			return err
		}

		if before != nil {
			if next.ContentHash() == current.ContentHash() {
				result = current
				return nil
			}
			if !at.After(current.Validity().ValidFrom) {
				return fmt.Errorf("transition at %s is not after current valid_from %s: %w",
					at.Format(time.RFC3339Nano), current.Validity().ValidFrom.Format(time.RFC3339Nano),
					sentinel.ErrOutOfOrder)
			}
		}

		if before == nil {
			// Reopening after a close must not overlap the closed history.
			history, err := e.rows.History(ctx, key)
			if err != nil {
				return fmt.Errorf("load version history: %w", err)
			}
			if n := len(history); n > 0 {
				last := history[n-1].Validity()
				if last.ValidTo == nil {
					return fmt.Errorf("open version without a current flag: %w", sentinel.ErrConflict)
				}
				if at.Before(*last.ValidTo) {
					return fmt.Errorf("transition at %s falls inside closed interval ending %s: %w",
						at.Format(time.RFC3339Nano), last.ValidTo.Format(time.RFC3339Nano),
						sentinel.ErrOutOfOrder)
				}
			}
		}

		if !next.Validity().ValidFrom.Equal(at) || next.Validity().ValidTo != nil {
			return fmt.Errorf("next version validity must open at the transition instant: %w", sentinel.ErrConflict)
		}

		if before != nil {
			if err := e.rows.Close(ctx, key, at); err != nil {
				return fmt.Errorf("close current version: %w", err)
			}
		}
		if err := e.rows.Insert(ctx, next); err != nil {
			return fmt.Errorf("insert new version: %w", err)
		}

		if onChange != nil {
			if err := onChange(ctx, before, next); err != nil {
				return fmt.Errorf("record transition: %w", err)
			}
		}

		result = next
		changed = true
		return nil
	})
	if err != nil {
		var zero R
		return zero, false, err
	}
	return result, changed, nil
}

// Terminate closes the current version for key at the given instant without
// opening a successor. onClose, when non-nil, runs inside the transaction so
// the audit record commits with the close. Returns the version that was
// closed.
func (e *Engine[K, R]) Terminate(
	ctx context.Context,
	key K,
	at time.Time,
	onClose func(ctx context.Context, closed R) error,
) (R, error) {
	var result R

	err := e.runner.RunInTx(ctx, func(ctx context.Context) error {
		current, err := e.rows.FindCurrent(ctx, key)
		if err != nil {
			return fmt.Errorf("find current version: %w", err)
		}
		if !at.After(current.Validity().ValidFrom) {
			return fmt.Errorf("close at %s is not after current valid_from %s: %w",
				at.Format(time.RFC3339Nano), current.Validity().ValidFrom.Format(time.RFC3339Nano),
				sentinel.ErrOutOfOrder)
		}
		if err := e.rows.Close(ctx, key, at); err != nil {
			return fmt.Errorf("close current version: %w", err)
		}
		if onClose != nil {
			if err := onClose(ctx, current); err != nil {
				return fmt.Errorf("record close: %w", err)
			}
		}
		result = current
		return nil
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}
