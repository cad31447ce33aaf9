package storage

import (
	"context"
	"database/sql"
	"sync"
)

// sqliteMaxParams is the classic SQLITE_MAX_VARIABLE_NUMBER default.
const sqliteMaxParams = 999

// SQLDB adapts a database/sql handle (the client's local SQLite store, or a
// SQLite-family server) to the storage capability set. A mutex serialises all
// statements: single-handle SQLite drivers cannot be called concurrently.
type SQLDB struct {
	db        *sql.DB
	mu        sync.Mutex
	maxParams int
}

// NewSQL wraps an open handle. maxParams <= 0 selects the SQLite default.
func NewSQL(db *sql.DB, maxParams int) *SQLDB {
	if maxParams <= 0 {
		maxParams = sqliteMaxParams
	}
	return &SQLDB{db: db, maxParams: maxParams}
}

func (s *SQLDB) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLDB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (s *SQLDB) QueryRow(ctx context.Context, query string, args ...any) Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.QueryRowContext(ctx, query, args...)
}

// Transact holds the handle mutex for the whole transaction so no statement
// from another goroutine interleaves with it.
func (s *SQLDB) Transact(ctx context.Context, fn func(Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(sqlTx{tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LockPartition is a no-op: SQLite serialises writers at the database level.
func (s *SQLDB) LockPartition(ctx context.Context, q Querier, partitionID string) error {
	return nil
}

func (s *SQLDB) MaxParams() int { return s.maxParams }

type sqlTx struct {
	tx *sql.Tx
}

func (t sqlTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t sqlTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (t sqlTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

type sqlRows struct {
	rows *sql.Rows
}

func (r sqlRows) Next() bool             { return r.rows.Next() }
func (r sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r sqlRows) Err() error             { return r.rows.Err() }
func (r sqlRows) Close()                 { _ = r.rows.Close() }
