package salonsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// SQLite driver for the "sqlite" queue driver.
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queued_records (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	store TEXT NOT NULL,
	id    TEXT NOT NULL,
	value BLOB NOT NULL,
	UNIQUE(store, id)
);
CREATE INDEX IF NOT EXISTS idx_queued_records_store_seq ON queued_records(store, seq);
`

// SQLiteStore keeps queued records in a single SQLite table. The autoincrement
// seq column gives insertion order.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, newError("queue.open", KindStorageOpen, err)
	}
	// One writer avoids SQLITE_BUSY between concurrent enqueue and remove.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, newError("queue.open", KindStorageOpen, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, newError("queue.open", KindStorageOpen, fmt.Errorf("create schema: %w", err))
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, store, id string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM queued_records WHERE store = ? AND id = ?`, store, id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, newError("queue.get", KindStorageIO, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, store, id string, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newError("queue.put", KindStorageIO, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_records WHERE store = ? AND id = ?`, store, id); err != nil {
		return newError("queue.put", KindStorageIO, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO queued_records (store, id, value) VALUES (?, ?, ?)`, store, id, value); err != nil {
		return newError("queue.put", KindStorageIO, err)
	}
	if err := tx.Commit(); err != nil {
		return newError("queue.put", KindStorageIO, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, store, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_records WHERE store = ? AND id = ?`, store, id); err != nil {
		return newError("queue.delete", KindStorageIO, err)
	}
	return nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, store string) ([]StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, value FROM queued_records WHERE store = ? ORDER BY seq`, store)
	if err != nil {
		return nil, newError("queue.getall", KindStorageIO, err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		if err := rows.Scan(&rec.ID, &rec.Value); err != nil {
			return nil, newError("queue.getall", KindStorageIO, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("queue.getall", KindStorageIO, err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
