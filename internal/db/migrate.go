package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// migration is one idempotent schema step. Steps run in order exactly once;
// schema_migrations records which versions have been applied.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "commit_log",
		sql: `
CREATE TABLE IF NOT EXISTS sync_commits (
	partition_id     TEXT        NOT NULL,
	commit_seq       BIGINT      NOT NULL,
	client_id        TEXT        NOT NULL,
	client_commit_id TEXT        NOT NULL,
	actor_id         TEXT        NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (partition_id, commit_seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS sync_commits_client_commit
	ON sync_commits (client_id, client_commit_id);

CREATE TABLE IF NOT EXISTS sync_changes (
	partition_id  TEXT   NOT NULL,
	commit_seq    BIGINT NOT NULL,
	seq_in_commit INT    NOT NULL,
	table_name    TEXT   NOT NULL,
	row_id        TEXT   NOT NULL,
	op            TEXT   NOT NULL,
	row_json      JSONB,
	row_version   BIGINT NOT NULL,
	scope_keys    JSONB  NOT NULL DEFAULT '[]',
	PRIMARY KEY (partition_id, commit_seq, seq_in_commit)
);
CREATE INDEX IF NOT EXISTS sync_changes_partition_seq
	ON sync_changes (partition_id, commit_seq);

CREATE TABLE IF NOT EXISTS sync_row_versions (
	partition_id TEXT    NOT NULL,
	table_name   TEXT    NOT NULL,
	row_id       TEXT    NOT NULL,
	row_version  BIGINT  NOT NULL,
	tombstoned   BOOLEAN NOT NULL DEFAULT FALSE,
	row_json     JSONB,
	scope_keys   JSONB   NOT NULL DEFAULT '[]',
	PRIMARY KEY (partition_id, table_name, row_id)
);

CREATE TABLE IF NOT EXISTS sync_client_cursors (
	partition_id    TEXT        NOT NULL,
	client_id       TEXT        NOT NULL,
	cursor          BIGINT      NOT NULL DEFAULT 0,
	actor_id        TEXT        NOT NULL DEFAULT '',
	scopes          JSONB       NOT NULL DEFAULT '[]',
	connection_mode TEXT        NOT NULL DEFAULT '',
	activity_state  TEXT        NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (partition_id, client_id)
);
`,
	},
	{
		version: 2,
		name:    "blob_bookkeeping",
		sql: `
CREATE TABLE IF NOT EXISTS sync_blobs (
	blob_hash  TEXT        PRIMARY KEY,
	byte_size  BIGINT      NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_blob_uploads (
	upload_id    TEXT        PRIMARY KEY,
	partition_id TEXT        NOT NULL,
	blob_hash    TEXT        NOT NULL,
	status       TEXT        NOT NULL DEFAULT 'pending',
	expires_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sync_blob_uploads_status
	ON sync_blob_uploads (status);
CREATE INDEX IF NOT EXISTS sync_blob_uploads_expires
	ON sync_blob_uploads (expires_at);
`,
	},
}

// Migrate creates or upgrades the server schema. Safe to run on every boot;
// applied versions are skipped.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INT         PRIMARY KEY,
	name       TEXT        NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return err
	}

	for _, m := range migrations {
		applied, err := isApplied(ctx, pool, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
				m.version, m.name)
			return err
		})
		if err != nil {
			return err
		}

		log.Info().Int("version", m.version).Str("name", m.name).Msg("schema migration applied")
	}
	return nil
}

func isApplied(ctx context.Context, pool *pgxpool.Pool, version int) (bool, error) {
	var n int
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE version = $1`, version).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
