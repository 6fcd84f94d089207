package db

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/reduction?sslmode=disable",
		migrateURL("postgres://u:p@localhost:5432/reduction?sslmode=disable"))
	require.Equal(t, "pgx5://localhost/reduction", migrateURL("postgresql://localhost/reduction"))
	require.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %s", name)
		}
	}
	require.Equal(t, ups, downs)

	body, err := fs.ReadFile(migrationsFS, "migrations/000002_rule_journal.up.sql")
	require.NoError(t, err)
	require.Contains(t, string(body), "rule_journal")
}
