// Package postgres implements audit.Store over github.com/jackc/pgx/v5's
// database/sql driver, grounded on the internal/store/postgres package.
package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/processguard/processguard/internal/audit"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS audit_log(
		id BIGSERIAL PRIMARY KEY,
		process TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	);`)
	return err
}

func (p *DB) Append(ctx context.Context, rec audit.Record) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO audit_log(process, action, detail, ts) VALUES($1,$2,$3,$4);`,
		rec.Process, rec.Action, rec.Detail, rec.Timestamp)
	return err
}

func (p *DB) Recent(ctx context.Context, process string, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if process == "" {
		rows, err = p.db.QueryContext(ctx,
			`SELECT id, process, action, detail, ts FROM audit_log ORDER BY id DESC LIMIT $1;`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx,
			`SELECT id, process, action, detail, ts FROM audit_log WHERE process=$1 ORDER BY id DESC LIMIT $2;`,
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

func (p *DB) Close() error { return p.db.Close() }
