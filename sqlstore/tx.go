package sqlstore

import (
	"context"
	"database/sql"
	"errors"
)

// txRoot is the engine transaction shared by all levels of a nested transaction.
type txRoot struct {
	store    *Store
	tx       *sql.Tx
	label    string
	depth    int
	poisoned bool
	done     bool
}

// Tx is one level of a (possibly nested) transaction.
//
// Each level must be finished exactly once with Commit or Rollback. Rollback
// after Commit on the same level is a no-op, so the usual pattern works:
//
//	tx, err := store.Begin(ctx, "label")
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback()
//	...
//	return tx.Commit()
//
// A Tx must only be used by one goroutine at a time.
type Tx struct {
	root     *txRoot
	label    string
	finished bool
}

// Begin starts a nested level of this transaction.
func (t *Tx) Begin(label string) (*Tx, error) {
	if t.root.done || t.finished {
		return nil, &DatabaseError{Op: "begin", Label: label, Err: ErrTxDone}
	}
	t.root.depth++
	t.root.store.log.Trace().Str("tx", t.root.label).Str("level", label).Int("depth", t.root.depth).Msg("Began nested transaction")
	return &Tx{root: t.root, label: label}, nil
}

// Depth returns the current nesting depth, 1 for an outermost transaction only.
func (t *Tx) Depth() int {
	return t.root.depth
}

// Commit finishes this level. Only the outermost level commits to the engine.
// If any level was rolled back, ErrRolledBack is returned and the outermost
// level rolls back instead of committing.
func (t *Tx) Commit() error {
	if t.finished {
		return &DatabaseError{Op: "commit", Label: t.label, Err: ErrTxDone}
	}
	t.finished = true
	t.root.depth--
	if t.root.depth > 0 {
		if t.root.poisoned {
			return &DatabaseError{Op: "commit", Label: t.label, Err: ErrRolledBack}
		}
		return nil
	}
	return t.root.finish(!t.root.poisoned)
}

// Rollback finishes this level and poisons the whole transaction.
// It is a no-op on a level that already finished.
func (t *Tx) Rollback() error {
	if t.finished {
		return nil
	}
	t.finished = true
	t.root.poisoned = true
	t.root.depth--
	if t.root.depth > 0 {
		t.root.store.log.Trace().Str("tx", t.root.label).Str("level", t.label).Msg("Nested rollback, transaction poisoned")
		return nil
	}
	err := t.root.finish(false)
	if errors.Is(err, ErrRolledBack) {
		return nil
	}
	return err
}

func (r *txRoot) finish(commit bool) error {
	if r.done {
		return nil
	}
	r.done = true
	defer r.store.writeMutex.Unlock()

	if commit {
		if err := r.tx.Commit(); err != nil {
			_ = r.tx.Rollback()
			return r.store.wrap("commit", r.label, err)
		}
		r.store.log.Trace().Str("tx", r.label).Msg("Committed transaction")
		return nil
	}
	if err := r.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return r.store.wrap("rollback", r.label, err)
	}
	r.store.log.Trace().Str("tx", r.label).Msg("Rolled back transaction")
	if r.poisoned {
		return &DatabaseError{Op: "commit", Label: r.label, Err: ErrRolledBack}
	}
	return nil
}

func (t *Tx) usable(op string) error {
	if err := t.root.store.usable(op, t.root.label); err != nil {
		return err
	}
	if t.root.done {
		return &DatabaseError{Op: op, Label: t.root.label, Err: ErrTxDone}
	}
	return nil
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := t.usable("exec"); err != nil {
		return nil, err
	}
	res, err := t.root.tx.ExecContext(ctx, query, args...)
	return res, t.root.store.wrap("exec", t.root.label, err)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := t.usable("query"); err != nil {
		return nil, err
	}
	rows, err := t.root.tx.QueryContext(ctx, query, args...)
	return rows, t.root.store.wrap("query", t.root.label, err)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	if err := t.usable("query"); err != nil {
		return &Row{err: err}
	}
	return &Row{row: t.root.tx.QueryRowContext(ctx, query, args...), store: t.root.store, label: t.root.label}
}

// PrepareContext prepares a statement valid until the transaction finishes.
func (t *Tx) PrepareContext(ctx context.Context, query string) (*Stmt, error) {
	if err := t.usable("prepare"); err != nil {
		return nil, err
	}
	stmt, err := t.root.tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, t.root.store.wrap("prepare", t.root.label, err)
	}
	return &Stmt{stmt: stmt, store: t.root.store, label: t.root.label}, nil
}

var (
	_ Conn = (*Store)(nil)
	_ Conn = (*Tx)(nil)
)
