package tx

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

type ctxKey struct{}

var txKey = ctxKey{}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// InTx reports whether ctx is already inside a transactional section of
// either runner. Read-path decorators use it to stay out of the way of
// row-locked reads.
func InTx(ctx context.Context) bool {
	if _, ok := From(ctx); ok {
		return true
	}
	return ctx.Value(memTxKey{}) != nil
}

type hooksKey struct{}

// commitHooks collects callbacks to run once the surrounding transaction
// has committed. Uncommitted sections never run their hooks.
type commitHooks struct {
	mu  sync.Mutex
	fns []func()
}

func (h *commitHooks) add(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
}

func (h *commitHooks) run() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// OnCommit defers fn until the enclosing transactional section commits.
// Outside any section fn runs immediately. Side effects that must not be
// visible before the transaction's writes (cache invalidation, fan-out)
// go through here.
func OnCommit(ctx context.Context, fn func()) {
	if hooks, ok := ctx.Value(hooksKey{}).(*commitHooks); ok {
		hooks.add(fn)
		return
	}
	fn()
}

// Runner executes a function atomically. SQL stores pick up the transaction
// from context; the in-memory runner serializes callers with a mutex so the
// memory stores see the same one-writer-at-a-time contract. RunInReadTx
// gives multi-statement reads one consistent view without blocking writers.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	RunInReadTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLRunner wraps fn in a database transaction carried through context.
type SQLRunner struct {
	db *sql.DB
}

func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{db: db}
}

func (r *SQLRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := From(ctx); ok {
		// Already inside a transaction, join it.
		return fn(ctx)
	}

	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	hooks := &commitHooks{}
	txCtx := context.WithValue(WithTx(ctx, sqlTx), hooksKey{}, hooks)

	if err := fn(txCtx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	hooks.run()
	return nil
}

// RunInReadTx wraps fn in a repeatable-read, read-only transaction so
// statements issued by fn all see the same committed state.
func (r *SQLRunner) RunInReadTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := From(ctx); ok {
		return fn(ctx)
	}

	sqlTx, err := r.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}

	if err := fn(WithTx(ctx, sqlTx)); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit read transaction: %w", err)
	}
	return nil
}

// MemoryRunner serializes transactional sections for the in-memory stores.
// Nested calls join the outer section instead of deadlocking. There is no
// rollback; tests that need failure atomicity use the SQL runner.
type MemoryRunner struct {
	mu sync.Mutex
}

type memTxKey struct{}

func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

func (r *MemoryRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	hooks := &commitHooks{}
	ctx = context.WithValue(ctx, memTxKey{}, struct{}{})
	ctx = context.WithValue(ctx, hooksKey{}, hooks)

	r.mu.Lock()
	err := fn(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	hooks.run()
	return nil
}

// RunInReadTx serializes against writers, which is all the consistency the
// in-memory stores need.
func (r *MemoryRunner) RunInReadTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(context.WithValue(ctx, memTxKey{}, struct{}{}))
}
