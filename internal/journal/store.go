package journal

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store persists and lists journal entries.
type Store interface {
	Insert(ctx context.Context, entry Entry) error
	List(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]Entry, error)
}

// DBTX is the subset of *pgxpool.Pool the Postgres store uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	insertEntrySQL = `INSERT INTO rule_journal (id, session_id, author, operation, command, contents, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`
	listEntriesSQL = `SELECT id, session_id, author, operation, command, contents, recorded_at
FROM rule_journal
WHERE session_id = $1
ORDER BY recorded_at DESC, id
LIMIT $2 OFFSET $3`
)

// PostgresStore keeps entries in the rule_journal table.
type PostgresStore struct {
	DB DBTX
}

// Insert stores entry. Replays of the same id are ignored.
func (s PostgresStore) Insert(ctx context.Context, entry Entry) error {
	contents := []byte(entry.Contents)
	if len(contents) == 0 {
		contents = []byte("{}")
	}
	_, err := s.DB.Exec(ctx, insertEntrySQL,
		entry.ID, entry.SessionID, entry.Author, entry.Operation, entry.Command, contents, entry.RecordedAt)
	return err
}

// List returns the newest entries of a session first.
func (s PostgresStore) List(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]Entry, error) {
	rows, err := s.DB.Query(ctx, listEntriesSQL, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e        Entry
			contents []byte
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Author, &e.Operation, &e.Command, &contents, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Contents = contents
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
