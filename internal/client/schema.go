package client

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftline/driftline/internal/storage"
)

// clientSchema is the local bookkeeping kept alongside the synced tables:
// the outbox of not-yet-accepted commits, a key/value meta table (cursor,
// schema version), per-subscription bootstrap state, and the last known
// server version per row (the source of base_version on pushes).
const clientSchema = `
CREATE TABLE IF NOT EXISTS sync_outbox (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	client_commit_id TEXT    NOT NULL UNIQUE,
	operations       TEXT    NOT NULL,
	created_at       INTEGER NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_subscription_state (
	subscription_id TEXT    PRIMARY KEY,
	table_name      TEXT    NOT NULL,
	scopes          TEXT    NOT NULL,
	params          TEXT    NOT NULL DEFAULT '{}',
	bootstrap       TEXT,
	cursor          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_row_state (
	table_name  TEXT    NOT NULL,
	row_id      TEXT    NOT NULL,
	row_version INTEGER NOT NULL,
	PRIMARY KEY (table_name, row_id)
);
`

// sync_meta keys.
const (
	metaCursor        = "cursor"
	metaSchemaVersion = "schema_version"
)

// OpenLocalDB opens (at most once per client id, process-wide) the client's
// local store and creates the bookkeeping tables. All callers for the same
// client id share one handle; SQLite drivers do not tolerate a second.
func OpenLocalDB(ctx context.Context, clientID, dsn string) (*storage.SQLDB, error) {
	v, err := defaultInits.Run("clientdb:"+clientID, func() (any, error) {
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, clientSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("create client schema: %w", err)
		}
		return storage.NewSQL(db, 0), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.SQLDB), nil
}

// metaGet reads a sync_meta value, returning def when absent.
func metaGet(ctx context.Context, q storage.Querier, key, def string) (string, error) {
	rows, err := q.Query(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	if !rows.Next() {
		return def, rows.Err()
	}
	var v string
	if err := rows.Scan(&v); err != nil {
		return "", err
	}
	return v, nil
}

func metaSet(ctx context.Context, q storage.Querier, key, value string) error {
	return q.Exec(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
}
