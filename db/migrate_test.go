package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	t.Run("creates issuance ledger", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='issuances'").Scan(&n))
		assert.Equal(t, 1, n)

		var versions int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
		names, err := migrationNames()
		require.NoError(t, err)
		assert.Equal(t, len(names), versions)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations twice should be safe")
	})

	t.Run("serials are allocated in order", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		insert := `INSERT INTO issuances (request_tag, subject, key_id, measurement, purpose, evidence_type, not_after)
			VALUES ('tag', 'subject', 'key', '00', 'authentication', 'platform-attestation-only', '2030-01-01')`
		first, err := db.Exec(insert)
		require.NoError(t, err)
		second, err := db.Exec(insert)
		require.NoError(t, err)

		a, _ := first.LastInsertId()
		b, _ := second.LastInsertId()
		assert.Greater(t, b, a)
	})

	t.Run("fails on closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		assert.Error(t, Migrate(db, nil))
	})

	t.Run("fails when the database cannot be opened", func(t *testing.T) {
		dir := t.TempDir()
		dbPath := filepath.Join(dir, "test.db")
		first, err := Open(dbPath, nil)
		require.NoError(t, err)
		first.Close()

		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		require.NoError(t, os.Chmod(dir, 0o555))
		defer os.Chmod(dir, 0o755)

		db, err := OpenWithMigrations(dbPath, nil)
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}
