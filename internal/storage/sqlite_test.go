package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenMigratesOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := Open(ctx, Config{Path: path, BusyTimeout: time.Second})
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations;`).Scan(&n))
	require.Equal(t, 2, n)
	require.NoError(t, db.Close())

	// reopening must not re-apply anything
	db, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations;`).Scan(&n))
	require.Equal(t, 2, n)
}

func TestDSNBeginsImmediate(t *testing.T) {
	dsn := Config{Path: "/tmp/ledger.db"}.withDefaults().dsn()
	require.Contains(t, dsn, "file:/tmp/ledger.db?")
	require.Contains(t, dsn, "_txlock=immediate")
	require.Contains(t, dsn, "_busy_timeout=5000")
	require.Contains(t, dsn, "_journal_mode=WAL")
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestWaitingGuardIndex(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	insert := `INSERT INTO queue_jobs(job_id, employee_id, product_id, ticket, status, created_at_ns, last_polled_at_ns)
VALUES(?, 'e1', 'p1', ?, ?, 0, 0);`

	_, err = db.ExecContext(ctx, insert, "j1", 1, "waiting")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "j2", 2, "waiting")
	require.Error(t, err, "second waiting job for the same pair must violate the partial index")

	_, err = db.ExecContext(ctx, insert, "j3", 3, "expired")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "j4", 1, "expired")
	require.Error(t, err, "tickets are unique per product")
}

func TestEmptyPathRejected(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}
