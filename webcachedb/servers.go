package webcachedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const serverColumns = `id, security_origin_url, name, required_cookie, enabled, manifest_url,
	update_status, last_update_check_time, manifest_date_header, last_error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (*Server, error) {
	var s Server
	var checked int64
	err := row.Scan(&s.ID, &s.SecurityOriginURL, &s.Name, &s.RequiredCookie, &s.Enabled, &s.ManifestURL,
		&s.UpdateStatus, &checked, &s.ManifestDateHeader, &s.LastErrorMessage)
	if err != nil {
		return nil, err
	}
	s.LastUpdateCheckTime = fromUnixMilli(checked)
	return &s, nil
}

// InsertServer inserts a new server row and sets its ID.
func (db *DB) InsertServer(ctx context.Context, s *Server) (int64, error) {
	res, err := db.conn().ExecContext(ctx,
		`INSERT INTO servers (security_origin_url, name, required_cookie, enabled, manifest_url,
			update_status, last_update_check_time, manifest_date_header, last_error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SecurityOriginURL, s.Name, s.RequiredCookie, s.Enabled, s.ManifestURL,
		s.UpdateStatus, unixMilli(s.LastUpdateCheckTime), s.ManifestDateHeader, s.LastErrorMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to insert server %s: %w", s.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.ID = id
	db.log.Debug().Int64("server", id).Str("origin", s.SecurityOriginURL).Str("name", s.Name).Msg("Inserted server")
	return id, nil
}

// FindServer looks up a server by its unique key.
func (db *DB) FindServer(ctx context.Context, origin, name, requiredCookie string) (*Server, error) {
	row := db.conn().QueryRowContext(ctx,
		"SELECT "+serverColumns+" FROM servers WHERE security_origin_url = ? AND name = ? AND required_cookie = ?",
		origin, name, requiredCookie)
	s, err := scanServer(row)
	return s, notFound(err)
}

func (db *DB) FindServerByID(ctx context.Context, id int64) (*Server, error) {
	row := db.conn().QueryRowContext(ctx, "SELECT "+serverColumns+" FROM servers WHERE id = ?", id)
	s, err := scanServer(row)
	return s, notFound(err)
}

// FindServersForOrigin returns every server of an origin, enabled or not.
func (db *DB) FindServersForOrigin(ctx context.Context, origin string) ([]*Server, error) {
	return db.queryServers(ctx, "SELECT "+serverColumns+" FROM servers WHERE security_origin_url = ? ORDER BY id", origin)
}

func (db *DB) ListServers(ctx context.Context) ([]*Server, error) {
	return db.queryServers(ctx, "SELECT "+serverColumns+" FROM servers ORDER BY id")
}

func (db *DB) queryServers(ctx context.Context, query string, args ...any) ([]*Server, error) {
	rows, err := db.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var servers []*Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// DeleteServer removes a server with all its versions, entries and payloads.
func (db *DB) DeleteServer(ctx context.Context, id int64) error {
	tx, err := db.Begin(ctx, "DeleteServer")
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM entries WHERE version_id IN (SELECT id FROM versions WHERE server_id = ?)",
		"DELETE FROM versions WHERE server_id = ?",
		"DELETE FROM payloads WHERE server_id = ?",
		"DELETE FROM servers WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete server %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.log.Debug().Int64("server", id).Msg("Deleted server")
	return nil
}

// SetManifestURL changes the manifest of a server. When the url actually
// changes, the recorded manifest date is cleared so that the next fetch is
// unconditional.
func (db *DB) SetManifestURL(ctx context.Context, id int64, manifestURL string) error {
	_, err := db.conn().ExecContext(ctx,
		`UPDATE servers SET
			manifest_date_header = CASE WHEN manifest_url = ? THEN manifest_date_header ELSE '' END,
			manifest_url = ?
		WHERE id = ?`,
		manifestURL, manifestURL, id)
	if err != nil {
		return fmt.Errorf("failed to set manifest url of server %d: %w", id, err)
	}
	return nil
}

// UpdateInfo is the progress information of update tasks.
type UpdateInfo struct {
	Status             UpdateStatus
	LastCheckTime      time.Time
	ManifestDateHeader string
	ErrorMessage       string
}

// GetUpdateInfo returns the recorded update information of a server.
func (db *DB) GetUpdateInfo(ctx context.Context, id int64) (UpdateInfo, error) {
	var info UpdateInfo
	var checked int64
	err := db.conn().QueryRowContext(ctx,
		"SELECT update_status, last_update_check_time, manifest_date_header, last_error_message FROM servers WHERE id = ?",
		id).Scan(&info.Status, &checked, &info.ManifestDateHeader, &info.ErrorMessage)
	if err != nil {
		return info, notFound(err)
	}
	info.LastCheckTime = fromUnixMilli(checked)
	return info, nil
}

func (db *DB) SetUpdateInfo(ctx context.Context, id int64, info UpdateInfo) error {
	res, err := db.conn().ExecContext(ctx,
		`UPDATE servers SET update_status = ?, last_update_check_time = ?, manifest_date_header = ?, last_error_message = ?
		WHERE id = ?`,
		info.Status, unixMilli(info.LastCheckTime), info.ManifestDateHeader, info.ErrorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to set update info of server %d: %w", id, err)
	}
	return requireRow(res)
}

// SetUpdateStatus records the progress of an update task and leaves the
// recorded manifest date alone.
func (db *DB) SetUpdateStatus(ctx context.Context, id int64, status UpdateStatus, checkTime time.Time, errMsg string) error {
	res, err := db.conn().ExecContext(ctx,
		"UPDATE servers SET update_status = ?, last_update_check_time = ?, last_error_message = ? WHERE id = ?",
		status, unixMilli(checkTime), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to set update status of server %d: %w", id, err)
	}
	return requireRow(res)
}

// SetManifestDateHeader records the Last-Modified value of a fetched manifest.
func (db *DB) SetManifestDateHeader(ctx context.Context, id int64, date string) error {
	res, err := db.conn().ExecContext(ctx, "UPDATE servers SET manifest_date_header = ? WHERE id = ?", date, id)
	if err != nil {
		return fmt.Errorf("failed to set manifest date of server %d: %w", id, err)
	}
	return requireRow(res)
}

func (db *DB) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := db.conn().ExecContext(ctx, "UPDATE servers SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return fmt.Errorf("failed to set enabled of server %d: %w", id, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
