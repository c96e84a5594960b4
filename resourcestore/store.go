// Package resourcestore manages the named stores of a security origin whose
// contents are kept up to date from a manifest.
package resourcestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/always-cache/localserver/manifest"
	secorigin "github.com/always-cache/localserver/pkg/security-origin"
	"github.com/always-cache/localserver/sqlstore"
	"github.com/always-cache/localserver/webcachedb"
	"github.com/rs/zerolog"
)

var (
	// ErrCorruptStore is returned when opening a store that was marked corrupt.
	ErrCorruptStore = errors.New("store is corrupt")
	// ErrNotSameOrigin is returned for a manifest url outside the store's origin.
	ErrNotSameOrigin = errors.New("manifest url is not from the same origin")
	// ErrRemoved is returned by operations on a removed store.
	ErrRemoved = errors.New("store was removed")
)

type Options struct {
	// Logger to use. Logging is disabled if nil.
	Logger *zerolog.Logger
	// Registry of corrupt stores. If nil, corruption is not persisted.
	Registry *Registry
	// ReuseCurrentPayloads links unchanged entries of a new manifest to the
	// payloads of the CURRENT version instead of fetching them again.
	ReuseCurrentPayloads bool
}

// Identity is the immutable description of a store handed to update tasks.
type Identity struct {
	ServerID       int64
	Origin         secorigin.Origin
	Name           string
	RequiredCookie string
	ManifestURL    string
}

// Store is one managed resource store. It only holds the server id and the
// immutable key, all mutable state is read from the database on demand.
type Store struct {
	db             *webcachedb.DB
	id             int64
	origin         secorigin.Origin
	name           string
	requiredCookie string
	opts           Options
	log            zerolog.Logger
}

func newStore(db *webcachedb.DB, server *webcachedb.Server, origin secorigin.Origin, opts Options) *Store {
	s := &Store{
		db:             db,
		id:             server.ID,
		origin:         origin,
		name:           server.Name,
		requiredCookie: server.RequiredCookie,
		opts:           opts,
		log:            zerolog.Nop(),
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("origin", origin.URL()).Str("store", server.Name).Logger()
	}
	return s
}

func checkCorrupt(db *webcachedb.DB, opts Options, origin secorigin.Origin, name string) error {
	if db.Store().IsCorrupt() {
		return fmt.Errorf("%w: %s", ErrCorruptStore, name)
	}
	if opts.Registry != nil && opts.Registry.IsCorrupt(origin.URL(), name) {
		return fmt.Errorf("%w: %s", ErrCorruptStore, name)
	}
	return nil
}

// CreateOrOpen returns the store of origin with the given name and required
// cookie, creating it if it does not exist yet.
func CreateOrOpen(ctx context.Context, db *webcachedb.DB, origin secorigin.Origin, name, requiredCookie string, opts Options) (*Store, error) {
	if err := checkCorrupt(db, opts, origin, name); err != nil {
		return nil, err
	}

	tx, err := db.Begin(ctx, "CreateOrOpen")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	txdb := db.WithTx(tx)

	server, err := txdb.FindServer(ctx, origin.URL(), name, requiredCookie)
	if errors.Is(err, webcachedb.ErrNotFound) {
		server = &webcachedb.Server{
			SecurityOriginURL: origin.URL(),
			Name:              name,
			RequiredCookie:    requiredCookie,
			Enabled:           true,
		}
		_, err = txdb.InsertServer(ctx, server)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return newStore(db, server, origin, opts), nil
}

// Open opens an existing store by server id.
func Open(ctx context.Context, db *webcachedb.DB, id int64, opts Options) (*Store, error) {
	server, err := db.FindServerByID(ctx, id)
	if err != nil {
		return nil, err
	}
	origin, err := secorigin.FromURL(server.SecurityOriginURL)
	if err != nil {
		return nil, err
	}
	if err := checkCorrupt(db, opts, origin, server.Name); err != nil {
		return nil, err
	}
	return newStore(db, server, origin, opts), nil
}

// ExistsInDB returns the id of the store with the given key, if it exists.
func ExistsInDB(ctx context.Context, db *webcachedb.DB, origin secorigin.Origin, name, requiredCookie string) (int64, bool, error) {
	server, err := db.FindServer(ctx, origin.URL(), name, requiredCookie)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return server.ID, true, nil
}

// StillExistsInDB reports whether the store was not removed in the meantime.
func (s *Store) StillExistsInDB(ctx context.Context) (bool, error) {
	_, err := s.db.FindServerByID(ctx, s.id)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Remove deletes the store with all its versions and payloads.
func (s *Store) Remove(ctx context.Context) error {
	if err := s.db.DeleteServer(ctx, s.id); err != nil {
		return s.checkErr(err)
	}
	s.log.Info().Msg("Removed store")
	return nil
}

func (s *Store) ID() int64                { return s.id }
func (s *Store) Origin() secorigin.Origin { return s.origin }
func (s *Store) Name() string             { return s.name }
func (s *Store) RequiredCookie() string   { return s.requiredCookie }

// DB returns the database the store lives in.
func (s *Store) DB() *webcachedb.DB {
	return s.db
}

func (s *Store) server(ctx context.Context) (*webcachedb.Server, error) {
	server, err := s.db.FindServerByID(ctx, s.id)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return nil, ErrRemoved
	}
	return server, s.checkErr(err)
}

func (s *Store) ManifestURL(ctx context.Context) (string, error) {
	server, err := s.server(ctx)
	if err != nil {
		return "", err
	}
	return server.ManifestURL, nil
}

// SetManifestURL changes the manifest the store is synchronized with.
// The url must be absolute and same-origin with the store.
func (s *Store) SetManifestURL(ctx context.Context, manifestURL string) error {
	if !s.origin.IsSameOriginAsURL(manifestURL) {
		return fmt.Errorf("%w: %s", ErrNotSameOrigin, manifestURL)
	}
	// entry urls are resolved against the stored url and looked up as
	// canonical urls, so the stored url is canonical too
	manifestURL, err := secorigin.NormalizeURL(manifestURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotSameOrigin, err)
	}
	if err := s.db.SetManifestURL(ctx, s.id, manifestURL); err != nil {
		return s.checkErr(err)
	}
	s.log.Debug().Str("manifest", manifestURL).Msg("Set manifest url")
	return nil
}

func (s *Store) UpdateInfo(ctx context.Context) (webcachedb.UpdateInfo, error) {
	info, err := s.db.GetUpdateInfo(ctx, s.id)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return info, ErrRemoved
	}
	return info, s.checkErr(err)
}

func (s *Store) SetUpdateInfo(ctx context.Context, info webcachedb.UpdateInfo) error {
	err := s.db.SetUpdateInfo(ctx, s.id, info)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return ErrRemoved
	}
	return s.checkErr(err)
}

// SetUpdateStatus records the status of an update with the current time.
// The recorded manifest date is kept.
func (s *Store) SetUpdateStatus(ctx context.Context, status webcachedb.UpdateStatus, errMsg string) error {
	err := s.db.SetUpdateStatus(ctx, s.id, status, time.Now(), errMsg)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return ErrRemoved
	}
	return s.checkErr(err)
}

// SetManifestDate records the Last-Modified value of the last stored manifest,
// sent as If-Modified-Since on the next check.
func (s *Store) SetManifestDate(ctx context.Context, date string) error {
	err := s.db.SetManifestDateHeader(ctx, s.id, date)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return ErrRemoved
	}
	return s.checkErr(err)
}

// DeleteVersion removes the version in the given state, if any.
func (s *Store) DeleteVersion(ctx context.Context, state webcachedb.ReadyState) error {
	v, err := s.Version(ctx, state)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.checkErr(s.db.DeleteVersion(ctx, v.ID))
}

// Version returns the version of the store in the given state, or
// webcachedb.ErrNotFound.
func (s *Store) Version(ctx context.Context, state webcachedb.ReadyState) (*webcachedb.Version, error) {
	v, err := s.db.FindVersion(ctx, s.id, state)
	return v, s.checkErr(err)
}

func (s *Store) HasVersion(ctx context.Context, state webcachedb.ReadyState) (bool, error) {
	_, err := s.Version(ctx, state)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// VersionString returns the manifest version in the given state, empty if none.
func (s *Store) VersionString(ctx context.Context, state webcachedb.ReadyState) (string, error) {
	v, err := s.Version(ctx, state)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.VersionString, nil
}

func (s *Store) AddManifestAsDownloadingVersion(ctx context.Context, m *manifest.Manifest) (int64, error) {
	id, err := s.db.AddManifestAsDownloadingVersion(ctx, s.id, m, s.opts.ReuseCurrentPayloads)
	return id, s.checkErr(err)
}

func (s *Store) SetDownloadingVersionAsCurrent(ctx context.Context) error {
	return s.checkErr(s.db.SetDownloadingVersionAsCurrent(ctx, s.id))
}

func (s *Store) Enabled(ctx context.Context) (bool, error) {
	server, err := s.server(ctx)
	if err != nil {
		return false, err
	}
	return server.Enabled, nil
}

func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	err := s.db.SetEnabled(ctx, s.id, enabled)
	if errors.Is(err, webcachedb.ErrNotFound) {
		return ErrRemoved
	}
	return s.checkErr(err)
}

// MarkCorrupt persists that this store is corrupt, so later opens fail with
// ErrCorruptStore.
func (s *Store) MarkCorrupt(cause error) error {
	return MarkCorrupt(s.opts.Registry, s.origin, s.name, cause)
}

// MarkCorrupt records the store of origin with the given name as corrupt.
func MarkCorrupt(registry *Registry, origin secorigin.Origin, name string, cause error) error {
	if registry == nil {
		return nil
	}
	return registry.MarkCorrupt(origin.URL(), name, cause)
}

// checkErr marks the store corrupt in the background when err reports a
// corrupt database, and returns err unchanged.
func (s *Store) checkErr(err error) error {
	if err != nil && errors.Is(err, sqlstore.ErrCorrupt) {
		go func() {
			if markErr := s.MarkCorrupt(err); markErr != nil {
				s.log.Error().Err(markErr).Msg("Could not record corruption")
			}
		}()
	}
	return err
}

// Clone returns an independent handle to the same store.
func (s *Store) Clone() *Store {
	clone := *s
	return &clone
}

// Identity returns a snapshot of the store's key and current manifest url.
func (s *Store) Identity(ctx context.Context) (Identity, error) {
	manifestURL, err := s.ManifestURL(ctx)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		ServerID:       s.id,
		Origin:         s.origin,
		Name:           s.name,
		RequiredCookie: s.requiredCookie,
		ManifestURL:    manifestURL,
	}, nil
}

// WithLogger returns a clone logging to logger, which is expected to carry
// the store fields already.
func (s *Store) WithLogger(logger zerolog.Logger) *Store {
	clone := s.Clone()
	clone.log = logger
	return clone
}

// Logger returns the store's logger.
func (s *Store) Logger() *zerolog.Logger {
	return &s.log
}
