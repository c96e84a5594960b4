package webcachedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/always-cache/localserver/manifest"
)

const entryColumns = "id, version_id, url, src, payload_id, redirect, ignore_query, match_query, match_all, match_some, match_none"

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var src, redirect, matchAll, matchSome, matchNone sql.NullString
	var payloadID sql.NullInt64
	var matchQuery bool
	if err := row.Scan(&e.ID, &e.VersionID, &e.URL, &src, &payloadID, &redirect, &e.IgnoreQuery,
		&matchQuery, &matchAll, &matchSome, &matchNone); err != nil {
		return nil, err
	}
	e.Src = src.String
	e.Redirect = redirect.String
	e.PayloadID = payloadID.Int64
	if matchQuery {
		e.MatchQuery = &manifest.QueryMatch{HasAll: matchAll.String, HasSome: matchSome.String, HasNone: matchNone.String}
	}
	return &e, nil
}

func (db *DB) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := db.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindEntries returns every entry of a version in manifest order.
func (db *DB) FindEntries(ctx context.Context, versionID int64) ([]*Entry, error) {
	return db.queryEntries(ctx, "SELECT "+entryColumns+" FROM entries WHERE version_id = ? ORDER BY id", versionID)
}

// FindEntriesHavingNoResponse returns the entries of a version that still
// need a payload.
func (db *DB) FindEntriesHavingNoResponse(ctx context.Context, versionID int64) ([]*Entry, error) {
	return db.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE version_id = ? AND payload_id IS NULL ORDER BY id", versionID)
}

// UpdateEntriesWithNewPayload links payloadID to every entry of the version
// fetched from url: entries whose src is url, and entries without src whose
// url is url. A non-empty redirectURL becomes the new src of those entries.
// It returns the number of updated entries.
func (db *DB) UpdateEntriesWithNewPayload(ctx context.Context, versionID int64, url string, payloadID int64, redirectURL string) (int64, error) {
	res, err := db.conn().ExecContext(ctx,
		`UPDATE entries SET
			payload_id = ?,
			src = CASE WHEN ? = '' THEN src ELSE ? END
		WHERE version_id = ? AND (src = ? OR (src IS NULL AND url = ?))`,
		payloadID, redirectURL, redirectURL, versionID, url, url)
	if err != nil {
		return 0, fmt.Errorf("failed to update entries for %s: %w", url, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	db.log.Trace().Int64("version", versionID).Str("url", url).Int64("payload", payloadID).Int64("entries", n).Msg("Linked payload")
	return n, nil
}
