// Package sqlstore wraps the embedded SQLite engine used for the local cache.
//
// It adds three things on top of database/sql:
//   - nested transactions, where only the outermost commit is real and a
//     rollback at any depth poisons the whole transaction
//   - in-process serialization of writers
//   - corruption detection, which poisons the handle so that no further reads
//     or writes reach a damaged database file
//
// Every failing engine call is reported as a *DatabaseError.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrCorrupt is returned by every operation once the engine reported a
	// corrupt database file.
	ErrCorrupt = errors.New("database is corrupt")
	// ErrRolledBack is returned by Commit when some level of the transaction
	// was rolled back.
	ErrRolledBack = errors.New("transaction was rolled back")
	// ErrTxDone is returned when committing a transaction level twice.
	ErrTxDone = errors.New("transaction already finished")
)

// DatabaseError describes a failed engine operation.
type DatabaseError struct {
	// Op is the operation that failed, e.g. "exec" or "commit".
	Op string
	// Label is the caller supplied transaction or statement label.
	Label string
	Err   error
}

func (e *DatabaseError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("database %s failed (%s): %v", e.Op, e.Label, e.Err)
	}
	return fmt.Sprintf("database %s failed: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// Conn is implemented by both *Store and *Tx, so data access code can run
// either standalone or inside a caller's transaction.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *Row
	PrepareContext(ctx context.Context, query string) (*Stmt, error)
}

type Options struct {
	// How long to wait for locks held by other processes.
	// Defaults to 5 seconds.
	BusyTimeout time.Duration
	// Logger to use. Logging is disabled if nil.
	Logger *zerolog.Logger
	// OnCorrupt is called once, in its own goroutine, when corruption is detected.
	OnCorrupt func(err error)
}

type Store struct {
	db         *sql.DB
	path       string
	log        zerolog.Logger
	writeMutex *sync.Mutex

	corrupt     atomic.Bool
	corruptOnce sync.Once
	onCorrupt   func(err error)
}

var memoryDBCounter atomic.Int64

// Open opens (creating if needed) the database at path.
// If path is empty, a new private in-memory database is opened.
//
// The caller MUST call Close() when done.
func Open(path string, opts Options) (*Store, error) {
	s := &Store{
		path:       path,
		log:        zerolog.Nop(),
		writeMutex: &sync.Mutex{},
		onCorrupt:  opts.OnCorrupt,
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("db", path).Logger()
	}
	busyTimeout := opts.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	var dsn string
	memory := path == ""
	if memory {
		dsn = fmt.Sprintf("file:localserver-%d?mode=memory&cache=shared", memoryDBCounter.Add(1))
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, s.wrap("open", "", err)
	}
	s.db = db
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, s.wrap("open", "", err)
	}

	if memory {
		// every pooled connection must see the same database and the write
		// lock, so keep exactly one
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, s.wrap("open", "journal_mode", err)
		}
	}

	s.log.Debug().Bool("memory", memory).Msg("Opened database")
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.path != "" && !s.corrupt.Load() {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.log.Warn().Err(err).Msg("Could not checkpoint WAL")
		}
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return &DatabaseError{Op: "close", Err: err}
	}
	return nil
}

// Path returns the database file path, empty for in-memory databases.
func (s *Store) Path() string {
	return s.path
}

// IsCorrupt reports whether corruption was detected on this handle.
func (s *Store) IsCorrupt() bool {
	return s.corrupt.Load()
}

func (s *Store) usable(op, label string) error {
	if s.corrupt.Load() {
		return &DatabaseError{Op: op, Label: label, Err: ErrCorrupt}
	}
	if s.db == nil {
		return &DatabaseError{Op: op, Label: label, Err: sql.ErrConnDone}
	}
	return nil
}

func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := s.usable("exec", ""); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	res, err := s.db.ExecContext(ctx, query, args...)
	return res, s.wrap("exec", "", err)
}

func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := s.usable("query", ""); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	return rows, s.wrap("query", "", err)
}

func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	if err := s.usable("query", ""); err != nil {
		return &Row{err: err}
	}
	return &Row{row: s.db.QueryRowContext(ctx, query, args...), store: s}
}

func (s *Store) PrepareContext(ctx context.Context, query string) (*Stmt, error) {
	if err := s.usable("prepare", ""); err != nil {
		return nil, err
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, s.wrap("prepare", "", err)
	}
	return &Stmt{stmt: stmt, store: s, writeMutex: s.writeMutex}, nil
}

// Begin starts an outermost transaction. Nested levels are started with Tx.Begin.
// The store's writers are serialized until the transaction finishes.
func (s *Store) Begin(ctx context.Context, label string) (*Tx, error) {
	if err := s.usable("begin", label); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeMutex.Unlock()
		return nil, s.wrap("begin", label, err)
	}
	s.log.Trace().Str("tx", label).Msg("Began transaction")
	root := &txRoot{store: s, tx: sqlTx, label: label, depth: 1}
	return &Tx{root: root, label: label}, nil
}

// wrap classifies an engine error. Corruption poisons the store.
// sql.ErrNoRows is passed through untouched since it is not a failure.
func (s *Store) wrap(op, label string, err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if isCorruption(err) {
		s.poison(err)
		return &DatabaseError{Op: op, Label: label, Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}
	return &DatabaseError{Op: op, Label: label, Err: err}
}

func (s *Store) poison(cause error) {
	s.corrupt.Store(true)
	s.corruptOnce.Do(func() {
		s.log.Error().Err(cause).Msg("Database corruption detected, refusing further operations")
		if s.onCorrupt != nil {
			go s.onCorrupt(cause)
		}
	})
}

// sqliteCoder is implemented by the driver's error type.
type sqliteCoder interface {
	Code() int
}

func isCorruption(err error) bool {
	var coder sqliteCoder
	if errors.As(err, &coder) {
		switch coder.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database disk image is malformed") ||
		strings.Contains(message, "file is not a database")
}

// Row is the result of QueryRowContext. Errors are deferred to Scan.
type Row struct {
	row   *sql.Row
	store *Store
	label string
	err   error
}

func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.store.wrap("query", r.label, r.row.Scan(dest...))
}

// Stmt is a prepared statement bound to a store or a transaction.
type Stmt struct {
	stmt  *sql.Stmt
	store *Store
	label string
	// set for statements prepared outside of a transaction
	writeMutex *sync.Mutex
}

func (st *Stmt) ExecContext(ctx context.Context, args ...any) (sql.Result, error) {
	if err := st.store.usable("exec", st.label); err != nil {
		return nil, err
	}
	if st.writeMutex != nil {
		st.writeMutex.Lock()
		defer st.writeMutex.Unlock()
	}
	res, err := st.stmt.ExecContext(ctx, args...)
	return res, st.store.wrap("exec", st.label, err)
}

func (st *Stmt) QueryRowContext(ctx context.Context, args ...any) *Row {
	if err := st.store.usable("query", st.label); err != nil {
		return &Row{err: err}
	}
	return &Row{row: st.stmt.QueryRowContext(ctx, args...), store: st.store, label: st.label}
}

func (st *Stmt) Close() error {
	return st.stmt.Close()
}
