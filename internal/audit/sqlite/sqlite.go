// Package sqlite implements audit.Store over modernc.org/sqlite (CGO-free),
// grounded on the internal/store/sqlite package.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/processguard/processguard/internal/audit"
)

// DB implements audit.Store for SQLite. path is a filesystem path; use
// ":memory:" for an in-memory database.
type DB struct {
	db *sql.DB
}

func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		d.SetMaxOpenConns(1)
	}
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS audit_log(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		process TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL,
		ts TIMESTAMP NOT NULL
	);`)
	return err
}

func (s *DB) Append(ctx context.Context, rec audit.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(process, action, detail, ts) VALUES(?, ?, ?, ?);`,
		rec.Process, rec.Action, rec.Detail, rec.Timestamp)
	return err
}

func (s *DB) Recent(ctx context.Context, process string, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if process == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, process, action, detail, ts FROM audit_log ORDER BY id DESC LIMIT ?;`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, process, action, detail, ts FROM audit_log WHERE process=? ORDER BY id DESC LIMIT ?;`,
			process, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Record
	for rows.Next() {
		var r audit.Record
		if err := rows.Scan(&r.ID, &r.Process, &r.Action, &r.Detail, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }
