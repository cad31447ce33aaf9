// Package synctest provides shared fixtures for exercising the sync
// pipelines against an in-memory SQLite database. The server normally runs
// on Postgres; the pipelines only speak the storage capability set, so the
// same code paths run here without a database server.
package synctest

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftline/driftline/internal/scope"
	"github.com/driftline/driftline/internal/storage"
)

// serverSchema mirrors the Postgres migrations in SQLite dialect.
const serverSchema = `
CREATE TABLE sync_commits (
	partition_id     TEXT    NOT NULL,
	commit_seq       INTEGER NOT NULL,
	client_id        TEXT    NOT NULL,
	client_commit_id TEXT    NOT NULL,
	actor_id         TEXT    NOT NULL DEFAULT '',
	created_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (partition_id, commit_seq)
);
CREATE UNIQUE INDEX sync_commits_client_commit ON sync_commits (client_id, client_commit_id);

CREATE TABLE sync_changes (
	partition_id  TEXT    NOT NULL,
	commit_seq    INTEGER NOT NULL,
	seq_in_commit INTEGER NOT NULL,
	table_name    TEXT    NOT NULL,
	row_id        TEXT    NOT NULL,
	op            TEXT    NOT NULL,
	row_json      TEXT,
	row_version   INTEGER NOT NULL,
	scope_keys    TEXT    NOT NULL DEFAULT '[]',
	PRIMARY KEY (partition_id, commit_seq, seq_in_commit)
);

CREATE TABLE sync_row_versions (
	partition_id TEXT    NOT NULL,
	table_name   TEXT    NOT NULL,
	row_id       TEXT    NOT NULL,
	row_version  INTEGER NOT NULL,
	tombstoned   BOOLEAN NOT NULL DEFAULT FALSE,
	row_json     TEXT,
	scope_keys   TEXT    NOT NULL DEFAULT '[]',
	PRIMARY KEY (partition_id, table_name, row_id)
);

CREATE TABLE sync_client_cursors (
	partition_id    TEXT    NOT NULL,
	client_id       TEXT    NOT NULL,
	cursor          INTEGER NOT NULL DEFAULT 0,
	actor_id        TEXT    NOT NULL DEFAULT '',
	scopes          TEXT    NOT NULL DEFAULT '[]',
	connection_mode TEXT    NOT NULL DEFAULT '',
	activity_state  TEXT    NOT NULL DEFAULT '',
	updated_at      TIMESTAMP,
	PRIMARY KEY (partition_id, client_id)
);

CREATE TABLE sync_blobs (
	blob_hash  TEXT PRIMARY KEY,
	byte_size  INTEGER NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE sync_blob_uploads (
	upload_id    TEXT PRIMARY KEY,
	partition_id TEXT NOT NULL,
	blob_hash    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	expires_at   TIMESTAMP NOT NULL,
	created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX sync_blob_uploads_status ON sync_blob_uploads (status);
CREATE INDEX sync_blob_uploads_expires ON sync_blob_uploads (expires_at);
`

// OpenServerDB opens an in-memory database carrying the server schema.
func OpenServerDB(t *testing.T) *storage.SQLDB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// In-memory SQLite is per-connection; keep a single one.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(serverSchema); err != nil {
		t.Fatalf("create server schema: %v", err)
	}
	return storage.NewSQL(db, 0)
}

// Scopes builds the registry used across pipeline tests: tasks are scoped by
// project and assignee, docs by project.
func Scopes(t *testing.T) *scope.Registry {
	t.Helper()

	reg := scope.NewRegistry()
	if err := reg.Register("tasks", "project:{project_id}", "assignee:{assignee_id}"); err != nil {
		t.Fatalf("register task scopes: %v", err)
	}
	if err := reg.Register("docs", "project:{project_id}"); err != nil {
		t.Fatalf("register doc scopes: %v", err)
	}
	return reg
}
