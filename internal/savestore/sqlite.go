package savestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/noah-isme/shop-reduction/internal/obs"
	"github.com/noah-isme/shop-reduction/internal/rules"
)

const backendSQLite = "sqlite"

// SQLiteStore keeps saves in a single local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("savestore: empty sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS save_slots (
			slot TEXT PRIMARY KEY,
			contents TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put upserts contents into slot.
func (s *SQLiteStore) Put(ctx context.Context, slot string, contents rules.SaveContents) (err error) {
	defer func() { obs.CountSaveOperation(backendSQLite, "put", err) }()
	if err = ValidateSlot(slot); err != nil {
		return err
	}
	doc, err := rules.EncodeSaveContents(contents)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO save_slots (slot, contents, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET contents = excluded.contents, updated_at = excluded.updated_at`,
		slot, string(doc), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Get reads the save in slot.
func (s *SQLiteStore) Get(ctx context.Context, slot string) (contents rules.SaveContents, err error) {
	defer func() { obs.CountSaveOperation(backendSQLite, "get", err) }()
	if err = ValidateSlot(slot); err != nil {
		return rules.SaveContents{}, err
	}
	var doc string
	err = s.db.QueryRowContext(ctx, `SELECT contents FROM save_slots WHERE slot = ?`, slot).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.SaveContents{}, ErrSlotNotFound
	}
	if err != nil {
		return rules.SaveContents{}, err
	}
	return rules.DecodeSaveContents([]byte(doc))
}

// Delete removes slot. A missing slot yields ErrSlotNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, slot string) (err error) {
	defer func() { obs.CountSaveOperation(backendSQLite, "delete", err) }()
	if err = ValidateSlot(slot); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM save_slots WHERE slot = ?`, slot)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
