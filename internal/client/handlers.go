package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftline/driftline/internal/storage"
	"github.com/driftline/driftline/internal/syncerr"
	"github.com/driftline/driftline/internal/wire"
)

// Handler is the per-table sync capability set. It is a record of functions
// rather than an interface hierarchy: tables differ in behaviour, not in
// type. Every function receives the transaction it must work in and never a
// back-reference to the engine.
type Handler struct {
	// CreateLocal creates the table's local schema. Runs once inside the
	// engine's init transaction.
	CreateLocal func(ctx context.Context, q storage.Querier) error

	// OnSnapshotStart runs once per fresh snapshot, before the first page.
	OnSnapshotStart func(ctx context.Context, q storage.Querier) error

	// ApplySnapshot inserts one page of authoritative rows. maxParams is the
	// local driver's statement parameter limit.
	ApplySnapshot func(ctx context.Context, q storage.Querier, rows []json.RawMessage, maxParams int) error

	// ApplyChange applies one committed change: merge for upserts, remove
	// for deletes.
	ApplyChange func(ctx context.Context, q storage.Querier, ch wire.Change) error

	// ApplyLocal merges a local patch into a row and returns the row's new
	// full payload for the outbox.
	ApplyLocal func(ctx context.Context, q storage.Querier, rowID string, patch map[string]any) (json.RawMessage, error)

	// DeleteLocal removes a row locally ahead of pushing its tombstone.
	DeleteLocal func(ctx context.Context, q storage.Querier, rowID string) error

	// ClearAll wipes the table's local rows.
	ClearAll func(ctx context.Context, q storage.Querier) error
}

// Handlers maps table name to its handler; the engine dispatches by table.
type Handlers map[string]Handler

// JSONTableHandler builds the standard handler for a table whose rows are
// JSON documents keyed by an "id" field. The local shape is one row per
// document: (id, data).
func JSONTableHandler(table string) Handler {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id   TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`, table)

	return Handler{
		CreateLocal: func(ctx context.Context, q storage.Querier) error {
			return q.Exec(ctx, ddl)
		},

		OnSnapshotStart: func(ctx context.Context, q storage.Querier) error {
			// A fresh snapshot replaces the whole local materialisation.
			return q.Exec(ctx, fmt.Sprintf(`DELETE FROM %q`, table))
		},

		ApplySnapshot: func(ctx context.Context, q storage.Querier, rows []json.RawMessage, maxParams int) error {
			values := make([][]any, 0, len(rows))
			for _, row := range rows {
				id, ok := payloadID(row)
				if !ok {
					return syncerr.New(syncerr.Validation, "snapshot row for %q has no id", table)
				}
				values = append(values, []any{id, string(row)})
			}
			return storage.BatchInsert(ctx, q, fmt.Sprintf("%q", table), []string{"id", "data"}, values, maxParams)
		},

		ApplyChange: func(ctx context.Context, q storage.Querier, ch wire.Change) error {
			if ch.Op == wire.OpDelete {
				return q.Exec(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table), ch.RowID)
			}
			return q.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %q (id, data) VALUES (?, ?)
				ON CONFLICT (id) DO UPDATE SET data = excluded.data`, table),
				ch.RowID, string(ch.RowJSON))
		},

		ApplyLocal: func(ctx context.Context, q storage.Querier, rowID string, patch map[string]any) (json.RawMessage, error) {
			current := map[string]any{}
			rows, err := q.Query(ctx, fmt.Sprintf(`SELECT data FROM %q WHERE id = ?`, table), rowID)
			if err != nil {
				return nil, err
			}
			if rows.Next() {
				var data string
				if err := rows.Scan(&data); err != nil {
					rows.Close()
					return nil, err
				}
				if err := json.Unmarshal([]byte(data), &current); err != nil {
					rows.Close()
					return nil, syncerr.Wrap(syncerr.Fatal, err, "corrupt local row "+table+"/"+rowID)
				}
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, err
			}

			for k, v := range patch {
				current[k] = v
			}
			current["id"] = rowID

			payload, err := json.Marshal(current)
			if err != nil {
				return nil, err
			}
			err = q.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %q (id, data) VALUES (?, ?)
				ON CONFLICT (id) DO UPDATE SET data = excluded.data`, table),
				rowID, string(payload))
			if err != nil {
				return nil, err
			}
			return payload, nil
		},

		DeleteLocal: func(ctx context.Context, q storage.Querier, rowID string) error {
			return q.Exec(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table), rowID)
		},

		ClearAll: func(ctx context.Context, q storage.Querier) error {
			return q.Exec(ctx, fmt.Sprintf(`DELETE FROM %q`, table))
		},
	}
}

// payloadID extracts the "id" field of a JSON document.
func payloadID(row []byte) (string, bool) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(row, &probe); err != nil || probe.ID == "" {
		return "", false
	}
	return probe.ID, true
}
