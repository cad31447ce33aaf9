package storage

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT $1, $2", Rebind("SELECT ?, ?"))
	assert.Equal(t, "SELECT 'a?b', $1", Rebind("SELECT 'a?b', ?"))
	assert.Equal(t, "SELECT 1", Rebind("SELECT 1"))
}

func openTestDB(t *testing.T) *SQLDB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	// In-memory SQLite: every connection is its own database.
	db.SetMaxOpenConns(1)
	return NewSQL(db, 0)
}

func TestBatchInsertSplitsBatches(t *testing.T) {
	ctx := context.Background()
	sdb := openTestDB(t)
	require.NoError(t, sdb.Exec(ctx, `CREATE TABLE items (id TEXT PRIMARY KEY, val TEXT)`))

	rows := make([][]any, 0, 1200)
	for i := 0; i < 1200; i++ {
		rows = append(rows, []any{fmt.Sprintf("id-%04d", i), "v"})
	}

	// 2 columns x 1200 rows = 2400 params against a 999 limit: three batches.
	err := sdb.Transact(ctx, func(q Querier) error {
		return BatchInsert(ctx, q, "items", []string{"id", "val"}, rows, sdb.MaxParams())
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, sdb.QueryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&n))
	assert.Equal(t, 1200, n)
}

func TestBatchInsertRejectsRaggedRows(t *testing.T) {
	ctx := context.Background()
	sdb := openTestDB(t)
	require.NoError(t, sdb.Exec(ctx, `CREATE TABLE items (id TEXT, val TEXT)`))

	err := BatchInsert(ctx, sdb, "items", []string{"id", "val"}, [][]any{{"a"}}, 999)
	require.Error(t, err)
}

func TestTransactRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	sdb := openTestDB(t)
	require.NoError(t, sdb.Exec(ctx, `CREATE TABLE items (id TEXT PRIMARY KEY)`))

	err := sdb.Transact(ctx, func(q Querier) error {
		if err := q.Exec(ctx, `INSERT INTO items (id) VALUES (?)`, "x"); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	var n int
	require.NoError(t, sdb.QueryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&n))
	assert.Equal(t, 0, n)
}
