package webcachedb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/localserver/manifest"
	rawheaders "github.com/always-cache/localserver/pkg/raw-headers"
	"github.com/always-cache/localserver/sqlstore"
)

const versionColumns = "id, server_id, version_string, ready_state, session_redirect_url"

func scanVersion(row scanner) (*Version, error) {
	var v Version
	if err := row.Scan(&v.ID, &v.ServerID, &v.VersionString, &v.ReadyState, &v.SessionRedirectURL); err != nil {
		return nil, err
	}
	return &v, nil
}

// FindVersions returns the versions of a server, CURRENT first.
func (db *DB) FindVersions(ctx context.Context, serverID int64) ([]*Version, error) {
	rows, err := db.conn().QueryContext(ctx,
		"SELECT "+versionColumns+" FROM versions WHERE server_id = ? ORDER BY ready_state", serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (db *DB) FindVersion(ctx context.Context, serverID int64, state ReadyState) (*Version, error) {
	row := db.conn().QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM versions WHERE server_id = ? AND ready_state = ?", serverID, state)
	v, err := scanVersion(row)
	return v, notFound(err)
}

// DeleteVersion removes a version and its entries. Payloads are kept.
func (db *DB) DeleteVersion(ctx context.Context, versionID int64) error {
	tx, err := db.Begin(ctx, "DeleteVersion")
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteVersion(ctx, tx, versionID); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteVersion(ctx context.Context, conn sqlstore.Conn, versionID int64) error {
	if _, err := conn.ExecContext(ctx, "DELETE FROM entries WHERE version_id = ?", versionID); err != nil {
		return fmt.Errorf("failed to delete entries of version %d: %w", versionID, err)
	}
	if _, err := conn.ExecContext(ctx, "DELETE FROM versions WHERE id = ?", versionID); err != nil {
		return fmt.Errorf("failed to delete version %d: %w", versionID, err)
	}
	return nil
}

// AddManifestAsDownloadingVersion replaces the DOWNLOADING version of a
// server with a new one holding the entries of m, and returns its id.
//
// Redirect entries are resolved immediately with a stored redirect response.
// If reuseCurrent is set, entries whose url and src are unchanged from the
// CURRENT version are linked to the payload they have there.
func (db *DB) AddManifestAsDownloadingVersion(ctx context.Context, serverID int64, m *manifest.Manifest, reuseCurrent bool) (int64, error) {
	if !m.IsResolved() {
		return 0, ErrNotResolved
	}

	tx, err := db.Begin(ctx, "AddManifestAsDownloadingVersion")
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	txdb := db.WithTx(tx)

	if old, err := txdb.FindVersion(ctx, serverID, VersionDownloading); err == nil {
		if err := deleteVersion(ctx, tx, old.ID); err != nil {
			return 0, err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	reusable := map[string]*Entry{}
	if reuseCurrent {
		if current, err := txdb.FindVersion(ctx, serverID, VersionCurrent); err == nil {
			entries, err := txdb.FindEntries(ctx, current.ID)
			if err != nil {
				return 0, err
			}
			for _, e := range entries {
				if e.PayloadID != 0 && e.Redirect == "" {
					reusable[e.URL] = e
				}
			}
		} else if !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO versions (server_id, version_string, ready_state, session_redirect_url) VALUES (?, ?, ?, ?)",
		serverID, m.Version, VersionDownloading, m.RedirectURL)
	if err != nil {
		return 0, fmt.Errorf("failed to insert version %s: %w", m.Version, err)
	}
	versionID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (version_id, url, src, payload_id, redirect, ignore_query,
			match_query, match_all, match_some, match_none)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	reused := 0
	for _, e := range m.Entries {
		var payloadID int64
		switch {
		case e.Redirect != "":
			if payloadID, err = txdb.insertRedirectPayload(ctx, serverID, e.URL, e.Redirect); err != nil {
				return 0, err
			}
		case reusable[e.URL] != nil && reusable[e.URL].Src == e.Src:
			payloadID = reusable[e.URL].PayloadID
			reused++
		}
		var match manifest.QueryMatch
		if e.MatchQuery != nil {
			match = *e.MatchQuery
		}
		if _, err := stmt.ExecContext(ctx, versionID, e.URL, nullString(e.Src), nullID(payloadID),
			nullString(e.Redirect), e.IgnoreQuery, e.MatchQuery != nil,
			nullString(match.HasAll), nullString(match.HasSome), nullString(match.HasNone)); err != nil {
			return 0, fmt.Errorf("failed to insert entry %s: %w", e.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	db.log.Debug().
		Int64("server", serverID).
		Int64("version", versionID).
		Str("versionString", m.Version).
		Int("entries", len(m.Entries)).
		Int("reused", reused).
		Msg("Added downloading version")
	return versionID, nil
}

func (db *DB) insertRedirectPayload(ctx context.Context, serverID int64, url, location string) (int64, error) {
	header := http.Header{}
	header.Set(rawheaders.Location, location)
	header.Set(rawheaders.ContentLength, "0")
	return db.InsertPayload(ctx, serverID, url, &Payload{
		CreationDate: time.Now(),
		StatusLine:   rawheaders.StatusLine(http.StatusFound),
		StatusCode:   http.StatusFound,
		Headers:      rawheaders.Serialize(header),
	})
}

// SetDownloadingVersionAsCurrent publishes the DOWNLOADING version of a
// server, replacing the CURRENT one. Payloads of the replaced version are kept.
func (db *DB) SetDownloadingVersionAsCurrent(ctx context.Context, serverID int64) error {
	tx, err := db.Begin(ctx, "SetDownloadingVersionAsCurrent")
	if err != nil {
		return err
	}
	defer tx.Rollback()
	txdb := db.WithTx(tx)

	downloading, err := txdb.FindVersion(ctx, serverID, VersionDownloading)
	if err != nil {
		return fmt.Errorf("no downloading version for server %d: %w", serverID, err)
	}
	unresolved, err := txdb.FindEntriesHavingNoResponse(ctx, downloading.ID)
	if err != nil {
		return err
	}
	if len(unresolved) > 0 {
		return fmt.Errorf("%w: %d of version %s", ErrUnresolvedEntries, len(unresolved), downloading.VersionString)
	}

	if current, err := txdb.FindVersion(ctx, serverID, VersionCurrent); err == nil {
		if err := deleteVersion(ctx, tx, current.ID); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE versions SET ready_state = ? WHERE id = ?", VersionCurrent, downloading.ID); err != nil {
		return fmt.Errorf("failed to promote version %d: %w", downloading.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.log.Debug().Int64("server", serverID).Str("versionString", downloading.VersionString).Msg("Version is now current")
	return nil
}
