package webcachedb

import (
	"context"
	"strings"
)

// Resolved is the CURRENT entry serving a url, with the server it belongs to.
type Resolved struct {
	ServerID int64
	Version  string
	Entry    *Entry
}

// ResolveEntry finds the entry of an enabled store of origin that serves url.
// An exact url match wins over an ignoreQuery or matchQuery match. Stores
// with a required cookie only match if cookies satisfy it.
func (db *DB) ResolveEntry(ctx context.Context, origin, url string, cookies map[string]string) (*Resolved, error) {
	withoutQuery, query, _ := strings.Cut(url, "?")

	rows, err := db.conn().QueryContext(ctx,
		`SELECT s.id, s.required_cookie, v.version_string,
			e.id, e.version_id, e.url, e.src, e.payload_id, e.redirect, e.ignore_query,
			e.match_query, e.match_all, e.match_some, e.match_none
		FROM servers s
		JOIN versions v ON v.server_id = s.id
		JOIN entries e ON e.version_id = v.id
		WHERE s.security_origin_url = ? AND s.enabled = 1 AND v.ready_state = ?
			AND e.payload_id IS NOT NULL
			AND ((e.match_query = 0 AND e.url = ?)
				OR ((e.ignore_query = 1 OR e.match_query = 1) AND e.url = ?))
		ORDER BY e.url = ? DESC, s.id, e.id`,
		origin, VersionCurrent, url, withoutQuery, url)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r Resolved
		var requiredCookie string
		e, err := scanEntry(&prefixScanner{rows: rows, prefix: []any{&r.ServerID, &requiredCookie, &r.Version}})
		if err != nil {
			return nil, err
		}
		if !CookieMatches(requiredCookie, cookies) {
			continue
		}
		if e.MatchQuery != nil && !e.MatchQuery.Matches(query) {
			continue
		}
		r.Entry = e
		return &r, nil
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// prefixScanner scans leading columns into prefix and the rest into the
// destinations given to Scan.
type prefixScanner struct {
	rows   scanner
	prefix []any
}

func (p *prefixScanner) Scan(dest ...any) error {
	return p.rows.Scan(append(p.prefix, dest...)...)
}

// CookieMatches reports whether cookies satisfy a store's required cookie,
// which is either empty, "name" (present with any value) or "name=value".
func CookieMatches(required string, cookies map[string]string) bool {
	if required == "" {
		return true
	}
	name, value, hasValue := strings.Cut(required, "=")
	got, ok := cookies[name]
	if !ok {
		return false
	}
	return !hasValue || got == value
}
