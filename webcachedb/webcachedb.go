// Package webcachedb is the metadata and content store of the local server.
//
// It keeps four tables:
//   - servers: one row per named store of a security origin
//   - versions: at most one CURRENT and one DOWNLOADING version per server
//   - entries: one row per manifest entry of a version
//   - payloads: fetched responses, possibly shared by many entries
//
// Readers only ever look at CURRENT versions. A DOWNLOADING version becomes
// CURRENT in a single transaction once all of its entries have a payload.
package webcachedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/always-cache/localserver/manifest"
	"github.com/always-cache/localserver/sqlstore"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a looked up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnresolvedEntries is returned when promoting a version that still
	// has entries without a payload.
	ErrUnresolvedEntries = errors.New("version has entries without a payload")
	// ErrNotResolved is returned when storing a manifest whose urls were not resolved.
	ErrNotResolved = errors.New("manifest urls are not resolved")
)

// UpdateStatus is the state of the last update task of a server.
type UpdateStatus int

const (
	UpdateOK UpdateStatus = iota
	UpdateChecking
	UpdateDownloading
	UpdateFailed
)

func (s UpdateStatus) String() string {
	switch s {
	case UpdateOK:
		return "OK"
	case UpdateChecking:
		return "CHECKING"
	case UpdateDownloading:
		return "DOWNLOADING"
	case UpdateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("UpdateStatus(%d)", int(s))
}

func (s UpdateStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *UpdateStatus) UnmarshalText(text []byte) error {
	for _, status := range []UpdateStatus{UpdateOK, UpdateChecking, UpdateDownloading, UpdateFailed} {
		if status.String() == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown update status %q", text)
}

// ReadyState tells whether a version is served or still being filled.
type ReadyState int

const (
	VersionCurrent ReadyState = iota
	VersionDownloading
)

func (r ReadyState) String() string {
	switch r {
	case VersionCurrent:
		return "CURRENT"
	case VersionDownloading:
		return "DOWNLOADING"
	}
	return fmt.Sprintf("ReadyState(%d)", int(r))
}

func (r ReadyState) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *ReadyState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CURRENT":
		*r = VersionCurrent
	case "DOWNLOADING":
		*r = VersionDownloading
	default:
		return fmt.Errorf("unknown ready state %q", text)
	}
	return nil
}

type Server struct {
	ID                int64  `json:"id"`
	SecurityOriginURL string `json:"origin"`
	Name              string `json:"name"`
	// RequiredCookie is empty, "name" or "name=value".
	RequiredCookie      string       `json:"requiredCookie,omitempty"`
	Enabled             bool         `json:"enabled"`
	ManifestURL         string       `json:"manifestUrl"`
	UpdateStatus        UpdateStatus `json:"updateStatus"`
	LastUpdateCheckTime time.Time    `json:"lastUpdateCheckTime"`
	// ManifestDateHeader is the Last-Modified value of the last fetched manifest.
	ManifestDateHeader string `json:"manifestDateHeader,omitempty"`
	LastErrorMessage   string `json:"lastErrorMessage,omitempty"`
}

type Version struct {
	ID                 int64      `json:"id"`
	ServerID           int64      `json:"serverId"`
	VersionString      string     `json:"version"`
	ReadyState         ReadyState `json:"readyState"`
	SessionRedirectURL string     `json:"sessionRedirectUrl,omitempty"`
}

type Entry struct {
	ID        int64  `json:"id"`
	VersionID int64  `json:"versionId"`
	URL       string `json:"url"`
	Src       string `json:"src,omitempty"`
	// PayloadID is 0 until the entry is resolved.
	PayloadID   int64  `json:"payloadId,omitempty"`
	Redirect    string `json:"redirect,omitempty"`
	IgnoreQuery bool   `json:"ignoreQuery,omitempty"`
	// MatchQuery is nil unless the entry only serves some query strings.
	MatchQuery *manifest.QueryMatch `json:"matchQuery,omitempty"`
}

// FetchURL returns the url the entry content is downloaded from.
func (e *Entry) FetchURL() string {
	if e.Src != "" {
		return e.Src
	}
	return e.URL
}

// Payload is a stored response.
type Payload struct {
	ID           int64
	ServerID     int64
	URL          string
	CreationDate time.Time
	StatusLine   string
	StatusCode   int
	// Headers is a raw header block, see the raw-headers package.
	Headers string
	Body    []byte
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS servers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		security_origin_url TEXT NOT NULL,
		name TEXT NOT NULL,
		required_cookie TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		manifest_url TEXT NOT NULL DEFAULT '',
		update_status INTEGER NOT NULL DEFAULT 0,
		last_update_check_time INTEGER NOT NULL DEFAULT 0,
		manifest_date_header TEXT NOT NULL DEFAULT '',
		last_error_message TEXT NOT NULL DEFAULT '',
		UNIQUE (security_origin_url, name, required_cookie)
	)`,
	`CREATE TABLE IF NOT EXISTS versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id INTEGER NOT NULL,
		version_string TEXT NOT NULL,
		ready_state INTEGER NOT NULL,
		session_redirect_url TEXT NOT NULL DEFAULT '',
		UNIQUE (server_id, ready_state)
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version_id INTEGER NOT NULL,
		url TEXT NOT NULL,
		src TEXT,
		payload_id INTEGER,
		redirect TEXT,
		ignore_query INTEGER NOT NULL DEFAULT 0,
		match_query INTEGER NOT NULL DEFAULT 0,
		match_all TEXT,
		match_some TEXT,
		match_none TEXT
	)`,
	"CREATE INDEX IF NOT EXISTS entries_version_idx ON entries (version_id)",
	"CREATE INDEX IF NOT EXISTS entries_url_idx ON entries (url)",
	"CREATE INDEX IF NOT EXISTS entries_payload_idx ON entries (payload_id)",
	`CREATE TABLE IF NOT EXISTS payloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id INTEGER NOT NULL,
		url TEXT NOT NULL,
		creation_date INTEGER NOT NULL,
		status_line TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		headers TEXT NOT NULL,
		body BLOB
	)`,
	"CREATE INDEX IF NOT EXISTS payloads_url_idx ON payloads (server_id, url, creation_date)",
}

// DB gives access to the tables. A DB is either standalone, in which case
// every mutating method runs in its own transaction, or bound to a caller's
// transaction with WithTx, in which case methods nest inside it.
type DB struct {
	store *sqlstore.Store
	tx    *sqlstore.Tx
	log   zerolog.Logger
}

// Open creates the schema if needed.
func Open(ctx context.Context, store *sqlstore.Store, logger *zerolog.Logger) (*DB, error) {
	db := &DB{store: store, log: zerolog.Nop()}
	if logger != nil {
		db.log = logger.With().Str("component", "webcachedb").Logger()
	}

	tx, err := store.Begin(ctx, "schema")
	if err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	if err := migrateMatchQuery(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

// migrateMatchQuery adds the matchQuery columns to entries tables created
// before they existed.
func migrateMatchQuery(ctx context.Context, tx *sqlstore.Tx) error {
	var n int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info('entries') WHERE name = 'match_query'").Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, stmt := range []string{
		"ALTER TABLE entries ADD COLUMN match_query INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE entries ADD COLUMN match_all TEXT",
		"ALTER TABLE entries ADD COLUMN match_some TEXT",
		"ALTER TABLE entries ADD COLUMN match_none TEXT",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// WithTx returns a view of the database bound to tx.
func (db *DB) WithTx(tx *sqlstore.Tx) *DB {
	return &DB{store: db.store, tx: tx, log: db.log}
}

// Store returns the underlying SQL store.
func (db *DB) Store() *sqlstore.Store {
	return db.store
}

// Begin starts a transaction, nested in the bound one if any.
func (db *DB) Begin(ctx context.Context, label string) (*sqlstore.Tx, error) {
	if db.tx != nil {
		return db.tx.Begin(label)
	}
	return db.store.Begin(ctx, label)
}

func (db *DB) conn() sqlstore.Conn {
	if db.tx != nil {
		return db.tx
	}
	return db.store
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
