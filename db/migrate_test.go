package db

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMigrated(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate(t *testing.T) {
	t.Run("records every version", func(t *testing.T) {
		db := openMigrated(t)

		versions, err := AppliedVersions(db)
		require.NoError(t, err)
		assert.Equal(t, []string{"000", "001", "002", "003", "004"}, versions)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db := openMigrated(t)
		require.NoError(t, Migrate(db, nil))

		versions, err := AppliedVersions(db)
		require.NoError(t, err)
		assert.Len(t, versions, 5)
	})

	t.Run("fails on closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		require.Error(t, Migrate(db, nil))
	})
}

func TestSchemaConstraints(t *testing.T) {
	db := openMigrated(t)
	now := time.Now()

	_, err := db.Exec(`INSERT INTO batches (id, name, created_at, updated_at) VALUES ('b1', 'batch', ?, ?)`, now, now)
	require.NoError(t, err)

	insertJob := func(id, key string) error {
		_, err := db.Exec(`INSERT INTO jobs (id, batch_id, idempotency_key, site, topic, target_word_count, language, created_at, updated_at)
			VALUES (?, 'b1', ?, 'blog', 'topic', 1000, 'en', ?, ?)`, id, key, now, now)
		return err
	}

	require.NoError(t, insertJob("j1", "key-1"))

	t.Run("idempotency key is unique", func(t *testing.T) {
		err := insertJob("j2", "key-1")
		require.Error(t, err)
		assert.True(t, IsUniqueViolation(err))
	})

	t.Run("artifact revision is unique per stage", func(t *testing.T) {
		_, err := db.Exec(`INSERT INTO artifacts (id, job_id, stage, revision, payload, created_at) VALUES ('a1', 'j1', 'brief', 1, '{}', ?)`, now)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO artifacts (id, job_id, stage, revision, payload, created_at) VALUES ('a2', 'j1', 'brief', 1, '{}', ?)`, now)
		assert.True(t, IsUniqueViolation(err))
	})

	t.Run("artifacts are immutable", func(t *testing.T) {
		_, err := db.Exec(`UPDATE artifacts SET payload = '{"x":1}' WHERE id = 'a1'`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "immutable")
	})

	t.Run("job status is constrained", func(t *testing.T) {
		_, err := db.Exec(`UPDATE jobs SET status = 'running' WHERE id = 'j1'`)
		assert.Error(t, err)
	})

	t.Run("usage event kind is constrained", func(t *testing.T) {
		_, err := db.Exec(`INSERT INTO usage_events (id, job_id, stage, backend_id, provider, success, kind, created_at)
			VALUES ('u1', 'j1', 'brief', 'local/m', 'local', 1, 'retry', ?)`, now)
		assert.Error(t, err)
	})
}
