package credential

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS credentials (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLiteBackend stores each key as a row; pair writes share one transaction.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend opens (or creates) the database at path.
func OpenSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create credentials table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Read(ctx context.Context) (Record, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value FROM credentials WHERE key IN (?, ?)`, KeyToken, KeyUser)
	if err != nil {
		return Record{}, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var rec Record
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Record{}, fmt.Errorf("scan credentials: %w", err)
		}
		switch key {
		case KeyToken:
			rec.Token = value
		case KeyUser:
			rec.User = []byte(value)
		}
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("iterate credentials: %w", err)
	}
	return rec, nil
}

func (b *SQLiteBackend) Write(ctx context.Context, rec Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, kv := range []struct{ key, value string }{
		{KeyToken, rec.Token},
		{KeyUser, string(rec.User)},
	} {
		if kv.value == "" {
			_, err = tx.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, kv.key)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO credentials (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, kv.key, kv.value)
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", kv.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credentials: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Remove(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE key IN (?, ?)`, KeyToken, KeyUser); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
