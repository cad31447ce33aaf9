package storage

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgMaxParams is the Postgres bound-parameter limit per statement.
const pgMaxParams = 65535

// PgxDB adapts a pgx pool to the storage capability set.
type PgxDB struct {
	pool *pgxpool.Pool
}

// NewPgx wraps an existing pool. The pool's lifecycle stays with the caller.
func NewPgx(pool *pgxpool.Pool) *PgxDB {
	return &PgxDB{pool: pool}
}

func (db *PgxDB) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := db.pool.Exec(ctx, Rebind(sql), args...)
	return err
}

func (db *PgxDB) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := db.pool.Query(ctx, Rebind(sql), args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

func (db *PgxDB) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return db.pool.QueryRow(ctx, Rebind(sql), args...)
}

func (db *PgxDB) Transact(ctx context.Context, fn func(Querier) error) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return fn(pgxTx{tx})
	})
}

// LockPartition takes a transaction-scoped advisory lock keyed on the
// partition id, serialising commit_seq allocation across concurrent writers.
func (db *PgxDB) LockPartition(ctx context.Context, q Querier, partitionID string) error {
	h := fnv.New64a()
	h.Write([]byte(partitionID))
	return q.Exec(ctx, `SELECT pg_advisory_xact_lock(?)`, int64(h.Sum64()))
}

func (db *PgxDB) MaxParams() int { return pgMaxParams }

type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, Rebind(sql), args...)
	return err
}

func (t pgxTx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, Rebind(sql), args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

func (t pgxTx) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return t.tx.QueryRow(ctx, Rebind(sql), args...)
}

type pgxRows struct {
	rows pgx.Rows
}

func (r pgxRows) Next() bool             { return r.rows.Next() }
func (r pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r pgxRows) Err() error             { return r.rows.Err() }
func (r pgxRows) Close()                 { r.rows.Close() }
