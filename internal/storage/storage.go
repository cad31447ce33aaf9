// Package storage is the thin capability set the sync core consumes instead
// of a concrete driver: parameterised query, scan-to-row, multi-statement
// transaction with rollback, and batched inserts that respect a driver's
// parameter-count limit. Core SQL is written with `?` placeholders; each
// adapter rebinds to its driver's style.
package storage

import (
	"context"
	"fmt"
	"strings"
)

// Row scans a single result row.
type Row interface {
	Scan(dest ...any) error
}

// Rows iterates a result set.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier runs statements. Both a live connection/pool and an open
// transaction satisfy it, so core code is written once and runs in either
// position.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// DB is a full database handle.
type DB interface {
	Querier

	// Transact runs fn inside a transaction, committing on nil and rolling
	// back on error or panic. fn must use only the Querier it is handed.
	Transact(ctx context.Context, fn func(Querier) error) error

	// LockPartition serialises all commit-log writers of one partition for
	// the remainder of the current transaction. Dialects whose writers are
	// already serialised implement it as a no-op.
	LockPartition(ctx context.Context, q Querier, partitionID string) error

	// MaxParams is the driver's bound-parameter limit per statement.
	MaxParams() int
}

// BatchInsert inserts rows into table in as few statements as the parameter
// limit allows. Each row must have len(cols) values. A batch whose parameter
// count would exceed maxParams is split; the caller owns transactionality.
func BatchInsert(ctx context.Context, q Querier, table string, cols []string, rows [][]any, maxParams int) error {
	if len(rows) == 0 {
		return nil
	}
	perRow := len(cols)
	if perRow == 0 {
		return fmt.Errorf("batch insert into %s: no columns", table)
	}
	rowsPerBatch := maxParams / perRow
	if rowsPerBatch < 1 {
		rowsPerBatch = 1
	}

	for start := 0; start < len(rows); start += rowsPerBatch {
		end := start + rowsPerBatch
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO ")
		sb.WriteString(table)
		sb.WriteString(" (")
		sb.WriteString(strings.Join(cols, ", "))
		sb.WriteString(") VALUES ")

		args := make([]any, 0, len(batch)*perRow)
		for i, row := range batch {
			if len(row) != perRow {
				return fmt.Errorf("batch insert into %s: row %d has %d values, want %d", table, start+i, len(row), perRow)
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for j := range row {
				if j > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString("?")
			}
			sb.WriteString(")")
			args = append(args, row...)
		}

		if err := q.Exec(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

// Rebind rewrites `?` placeholders to $1..$N for drivers that require
// numbered parameters. Quoted literals are respected.
func Rebind(sql string) string {
	var sb strings.Builder
	sb.Grow(len(sql) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			sb.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			fmt.Fprintf(&sb, "$%d", n)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
