package webcachedb

import (
	"context"
	"fmt"
)

// InsertPayload stores a fetched response for url and returns its id.
func (db *DB) InsertPayload(ctx context.Context, serverID int64, url string, p *Payload) (int64, error) {
	res, err := db.conn().ExecContext(ctx,
		`INSERT INTO payloads (server_id, url, creation_date, status_line, status_code, headers, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		serverID, url, unixMilli(p.CreationDate), p.StatusLine, p.StatusCode, p.Headers, p.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to insert payload for %s: %w", url, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	p.ID = id
	p.ServerID = serverID
	p.URL = url
	db.log.Trace().Int64("server", serverID).Str("url", url).Int64("payload", id).Int("size", len(p.Body)).Msg("Inserted payload")
	return id, nil
}

// FindPayload returns a payload including its body.
func (db *DB) FindPayload(ctx context.Context, id int64) (*Payload, error) {
	var p Payload
	var created int64
	err := db.conn().QueryRowContext(ctx,
		"SELECT id, server_id, url, creation_date, status_line, status_code, headers, body FROM payloads WHERE id = ?",
		id).Scan(&p.ID, &p.ServerID, &p.URL, &created, &p.StatusLine, &p.StatusCode, &p.Headers, &p.Body)
	if err != nil {
		return nil, notFound(err)
	}
	p.CreationDate = fromUnixMilli(created)
	return &p, nil
}

// FindMostRecentPayload returns the newest successful payload fetched from
// url for a server, without its body. It is used to build conditional
// requests and to reuse unchanged content.
func (db *DB) FindMostRecentPayload(ctx context.Context, serverID int64, url string) (*Payload, error) {
	var p Payload
	var created int64
	err := db.conn().QueryRowContext(ctx,
		`SELECT id, server_id, url, creation_date, status_line, status_code, headers FROM payloads
		WHERE server_id = ? AND url = ? AND status_code = 200
		ORDER BY creation_date DESC, id DESC LIMIT 1`,
		serverID, url).Scan(&p.ID, &p.ServerID, &p.URL, &created, &p.StatusLine, &p.StatusCode, &p.Headers)
	if err != nil {
		return nil, notFound(err)
	}
	p.CreationDate = fromUnixMilli(created)
	return &p, nil
}

// DeleteUnreferencedPayloads removes the payloads of a server that no entry
// links to anymore, and returns how many were removed.
func (db *DB) DeleteUnreferencedPayloads(ctx context.Context, serverID int64) (int64, error) {
	res, err := db.conn().ExecContext(ctx,
		`DELETE FROM payloads WHERE server_id = ? AND id NOT IN
			(SELECT payload_id FROM entries WHERE payload_id IS NOT NULL)`,
		serverID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete unreferenced payloads of server %d: %w", serverID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		db.log.Debug().Int64("server", serverID).Int64("payloads", n).Msg("Deleted unreferenced payloads")
	}
	return n, nil
}
