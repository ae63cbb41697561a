package libdbexec_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/stretchr/testify/require"
)

const cascadeTestSchema = `
CREATE TABLE IF NOT EXISTS parents (
    id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS children (
    id TEXT PRIMARY KEY,
    parent_id TEXT NOT NULL REFERENCES parents(id) ON DELETE CASCADE
);`

func TestUnit_SQLite_ForeignKeysOnEveryPooledConnection(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fk.db")
	manager, err := libdb.NewSQLiteDBManager(ctx, path, cascadeTestSchema)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, manager.Close()) })

	exec := manager.WithoutTransaction()
	_, err = exec.ExecContext(ctx, `INSERT INTO parents (id) VALUES ($1)`, "p1")
	require.NoError(t, err)
	_, err = exec.ExecContext(ctx, `INSERT INTO children (id, parent_id) VALUES ($1, $2)`, "c1", "p1")
	require.NoError(t, err)

	// Pin one pooled connection in a transaction so the statements below are
	// forced onto a second connection.
	_, commit, release, err := manager.WithTransaction(ctx)
	require.NoError(t, err)

	_, err = exec.ExecContext(ctx, `INSERT INTO children (id, parent_id) VALUES ($1, $2)`, "c2", "missing")
	require.ErrorIs(t, err, libdb.ErrForeignKeyViolation)

	_, err = exec.ExecContext(ctx, `DELETE FROM parents WHERE id = $1`, "p1")
	require.NoError(t, err)

	var count int64
	require.NoError(t, exec.QueryRowContext(ctx, `SELECT COUNT(*) FROM children`).Scan(&count))
	require.Equal(t, int64(0), count)

	require.NoError(t, commit(ctx))
	require.NoError(t, release())
}

func TestUnit_SQLite_MemoryDatabaseSharedAcrossPool(t *testing.T) {
	ctx := context.Background()
	manager, err := libdb.NewSQLiteDBManager(ctx, ":memory:", cascadeTestSchema)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, manager.Close()) })

	exec := manager.WithoutTransaction()
	_, err = exec.ExecContext(ctx, `INSERT INTO parents (id) VALUES ($1)`, "p1")
	require.NoError(t, err)

	// Concurrent queries must all observe the same database, not a fresh
	// empty one per pooled connection.
	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var count int64
			if err := exec.QueryRowContext(ctx, `SELECT COUNT(*) FROM parents`).Scan(&count); err != nil {
				errCh <- err
				return
			}
			if count != 1 {
				errCh <- fmt.Errorf("worker %d saw %d parents", i, count)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
}
