package savestore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noah-isme/shop-reduction/internal/obs"
	"github.com/noah-isme/shop-reduction/internal/rules"
)

const backendPostgres = "postgres"

// DBTX is the subset of *pgxpool.Pool the Postgres store uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const (
	upsertSlotSQL = `INSERT INTO save_slots (slot, contents, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (slot) DO UPDATE SET contents = EXCLUDED.contents, updated_at = now()`
	selectSlotSQL = `SELECT contents FROM save_slots WHERE slot = $1`
	deleteSlotSQL = `DELETE FROM save_slots WHERE slot = $1`
)

// PostgresStore keeps saves in the save_slots table as jsonb.
type PostgresStore struct {
	DB DBTX
}

// Put upserts contents into slot.
func (s PostgresStore) Put(ctx context.Context, slot string, contents rules.SaveContents) (err error) {
	defer func() { obs.CountSaveOperation(backendPostgres, "put", err) }()
	if err = ValidateSlot(slot); err != nil {
		return err
	}
	doc, err := rules.EncodeSaveContents(contents)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, upsertSlotSQL, slot, doc)
	return err
}

// Get reads the save in slot.
func (s PostgresStore) Get(ctx context.Context, slot string) (contents rules.SaveContents, err error) {
	defer func() { obs.CountSaveOperation(backendPostgres, "get", err) }()
	if err = ValidateSlot(slot); err != nil {
		return rules.SaveContents{}, err
	}
	var doc []byte
	if err = s.DB.QueryRow(ctx, selectSlotSQL, slot).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rules.SaveContents{}, ErrSlotNotFound
		}
		return rules.SaveContents{}, err
	}
	return rules.DecodeSaveContents(doc)
}

// Delete removes slot. A missing slot yields ErrSlotNotFound.
func (s PostgresStore) Delete(ctx context.Context, slot string) (err error) {
	defer func() { obs.CountSaveOperation(backendPostgres, "delete", err) }()
	if err = ValidateSlot(slot); err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, deleteSlotSQL, slot)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// Ping checks the database connection.
func (s PostgresStore) Ping(ctx context.Context) error {
	return s.DB.Ping(ctx)
}
