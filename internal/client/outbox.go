package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/driftline/internal/storage"
	"github.com/driftline/driftline/internal/syncerr"
	"github.com/driftline/driftline/internal/wire"
)

// outboxEntry is one pending local commit.
type outboxEntry struct {
	id             int64
	clientCommitID string
	operations     []wire.Op
	attempts       int
	lastError      string
}

// enqueueOutbox records one pending commit. The client_commit_id doubles as
// the server-side idempotency key, so retries after an ambiguous failure are
// harmless.
func enqueueOutbox(ctx context.Context, q storage.Querier, ops []wire.Op) (string, error) {
	payload, err := json.Marshal(ops)
	if err != nil {
		return "", err
	}
	commitID := uuid.NewString()
	err = q.Exec(ctx, `
		INSERT INTO sync_outbox (client_commit_id, operations, created_at)
		VALUES (?, ?, ?)`,
		commitID, string(payload), time.Now().UTC().UnixMilli())
	if err != nil {
		return "", syncerr.Wrap(syncerr.Transient, err, "enqueue outbox")
	}
	return commitID, nil
}

// dequeueOutbox reads the oldest pending commits, FIFO.
func dequeueOutbox(ctx context.Context, q storage.Querier, limit int) ([]outboxEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, client_commit_id, operations, attempts, last_error
		FROM sync_outbox ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Transient, err, "read outbox")
	}
	defer rows.Close()

	var out []outboxEntry
	for rows.Next() {
		var e outboxEntry
		var ops string
		if err := rows.Scan(&e.id, &e.clientCommitID, &ops, &e.attempts, &e.lastError); err != nil {
			return nil, syncerr.Wrap(syncerr.Transient, err, "scan outbox")
		}
		if err := json.Unmarshal([]byte(ops), &e.operations); err != nil {
			return nil, syncerr.Wrap(syncerr.Fatal, err, "corrupt outbox entry "+e.clientCommitID)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func deleteOutbox(ctx context.Context, q storage.Querier, id int64) error {
	return q.Exec(ctx, `DELETE FROM sync_outbox WHERE id = ?`, id)
}

// markOutboxError records a failure. countAttempt is false for rate-limit
// rejections, which back off without consuming an attempt.
func markOutboxError(ctx context.Context, q storage.Querier, id int64, msg string, countAttempt bool) error {
	if countAttempt {
		return q.Exec(ctx,
			`UPDATE sync_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id)
	}
	return q.Exec(ctx, `UPDATE sync_outbox SET last_error = ? WHERE id = ?`, msg, id)
}

// outboxDepth counts pending commits.
func outboxDepth(ctx context.Context, q storage.Querier) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM sync_outbox`).Scan(&n)
	return n, err
}
