// Package commitlog owns the server-side commit log: it validates proposed
// client commits, linearises them into a per-partition sequence, tracks
// per-row versions for optimistic concurrency, and announces accepted
// commits to the realtime broadcaster.
package commitlog

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/driftline/driftline/internal/realtime"
	"github.com/driftline/driftline/internal/scope"
	"github.com/driftline/driftline/internal/storage"
	"github.com/driftline/driftline/internal/syncerr"
	"github.com/driftline/driftline/internal/telemetry"
	"github.com/driftline/driftline/internal/wire"
)

// Store is the push pipeline.
type Store struct {
	db            storage.DB
	scopes        *scope.Registry
	broadcaster   realtime.Broadcaster
	metrics       telemetry.Metrics
	instanceID    string
	schemaVersion int
}

// Config wires a Store. Broadcaster and Metrics may be nil.
type Config struct {
	DB            storage.DB
	Scopes        *scope.Registry
	Broadcaster   realtime.Broadcaster
	Metrics       telemetry.Metrics
	InstanceID    string
	SchemaVersion int
}

// New creates the push pipeline.
func New(cfg Config) *Store {
	m := cfg.Metrics
	if m == nil {
		m = telemetry.Nop{}
	}
	return &Store{
		db:            cfg.DB,
		scopes:        cfg.Scopes,
		broadcaster:   cfg.Broadcaster,
		metrics:       m,
		instanceID:    cfg.InstanceID,
		schemaVersion: cfg.SchemaVersion,
	}
}

// rowState is the current server-side state of one row.
type rowState struct {
	version    int64
	tombstoned bool
	scopeKeys  []string
	exists     bool
}

// Push validates and appends one client commit. Replays of an already
// accepted (client_id, client_commit_id) return the original commit_seq with
// no further side effects. If any operation's base_version mismatches, the
// whole commit is rejected with a Conflict error carrying every mismatch.
func (s *Store) Push(ctx context.Context, partitionID, actorID string, req *wire.PushRequest) (*wire.PushResponse, error) {
	done := s.metrics.Span("push")
	defer done()

	if err := s.validate(req); err != nil {
		return nil, err
	}

	var (
		commitSeq int64
		scopeSet  []string
		replayed  bool
	)

	err := s.db.Transact(ctx, func(q storage.Querier) error {
		if err := s.db.LockPartition(ctx, q, partitionID); err != nil {
			return syncerr.Wrap(syncerr.Transient, err, "lock partition")
		}

		// Idempotent replay: a commit id we already accepted returns the
		// original sequence number.
		if seq, ok, err := s.priorCommit(ctx, q, req.ClientID, req.ClientCommitID); err != nil {
			return err
		} else if ok {
			commitSeq = seq
			replayed = true
			return nil
		}

		states := make([]rowState, len(req.Operations))
		var conflicts []wire.Conflict
		for i, op := range req.Operations {
			st, err := s.readRow(ctx, q, partitionID, op.Table, op.RowID)
			if err != nil {
				return err
			}
			states[i] = st
			if c, ok := checkConflict(op, st); ok {
				conflicts = append(conflicts, c)
			}
		}
		// Commits are atomic: one conflicting operation rejects them all.
		if len(conflicts) > 0 {
			return syncerr.NewConflict(conflicts)
		}

		seq, err := s.nextCommitSeq(ctx, q, partitionID)
		if err != nil {
			return err
		}
		commitSeq = seq

		changeRows := make([][]any, 0, len(req.Operations))
		for i, op := range req.Operations {
			st := states[i]
			newVersion := st.version + 1

			var keys []string
			var rowJSON []byte
			if op.Op == wire.OpUpsert {
				rowJSON = []byte(op.Payload)
				keys, err = s.scopes.KeysForRow(op.Table, rowJSON)
				if err != nil {
					return err
				}
			} else {
				// Tombstones stay visible under the scopes the row last
				// belonged to, so every subscriber observes the delete. A
				// never-seen row has no stored scopes; its tombstone carries
				// none, and no subscriber holds a copy to retract.
				keys = st.scopeKeys
			}
			scopeSet = scope.Union(scopeSet, keys)

			changeRows = append(changeRows, []any{
				partitionID, commitSeq, i, op.Table, op.RowID, op.Op,
				nullableJSON(rowJSON), newVersion, marshalKeys(keys),
			})

			if err := s.writeRowVersion(ctx, q, partitionID, op, newVersion, rowJSON, keys); err != nil {
				return err
			}
		}

		err = storage.BatchInsert(ctx, q, "sync_changes",
			[]string{"partition_id", "commit_seq", "seq_in_commit", "table_name", "row_id", "op", "row_json", "row_version", "scope_keys"},
			changeRows, s.db.MaxParams())
		if err != nil {
			return syncerr.Wrap(syncerr.Transient, err, "write changes")
		}

		err = q.Exec(ctx, `
			INSERT INTO sync_commits (partition_id, commit_seq, client_id, client_commit_id, actor_id)
			VALUES (?, ?, ?, ?, ?)`,
			partitionID, commitSeq, req.ClientID, req.ClientCommitID, actorID)
		if err != nil {
			return syncerr.Wrap(syncerr.Transient, err, "write commit")
		}
		return nil
	})
	if err != nil {
		if syncerr.KindOf(err) == syncerr.Conflict {
			s.metrics.Count("push_conflicts", 1)
		}
		return nil, err
	}

	s.metrics.Count("push_accepted", 1)
	s.metrics.Gauge("commit_seq_head", float64(commitSeq))

	if !replayed {
		s.announce(ctx, partitionID, commitSeq, scopeSet)
	}

	return &wire.PushResponse{AcceptedCommitSeq: commitSeq}, nil
}

// Head returns the highest commit_seq of a partition, 0 when empty.
func (s *Store) Head(ctx context.Context, partitionID string) (int64, error) {
	var head int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(commit_seq), 0) FROM sync_commits WHERE partition_id = ?`,
		partitionID).Scan(&head)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.Transient, err, "read head")
	}
	return head, nil
}

func (s *Store) validate(req *wire.PushRequest) error {
	if req.SchemaVersion != s.schemaVersion {
		return syncerr.New(syncerr.SchemaMismatch,
			"schema version %d does not match server %d", req.SchemaVersion, s.schemaVersion)
	}
	if req.ClientID == "" || req.ClientCommitID == "" {
		return syncerr.New(syncerr.Validation, "missing clientId or clientCommitId")
	}
	if len(req.Operations) == 0 {
		return syncerr.New(syncerr.Validation, "push carries no operations")
	}

	seen := make(map[[2]string]struct{}, len(req.Operations))
	for i, op := range req.Operations {
		if op.Table == "" || op.RowID == "" {
			return syncerr.New(syncerr.Validation, "operation %d: missing table or row_id", i)
		}
		if op.Op != wire.OpUpsert && op.Op != wire.OpDelete {
			return syncerr.New(syncerr.Validation, "operation %d: unknown op %q", i, op.Op)
		}
		if op.Op == wire.OpUpsert && len(op.Payload) == 0 {
			return syncerr.New(syncerr.Validation, "operation %d: upsert without payload", i)
		}
		key := [2]string{op.Table, op.RowID}
		if _, dup := seen[key]; dup {
			return syncerr.New(syncerr.Validation, "duplicate row %s/%s in commit", op.Table, op.RowID)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (s *Store) priorCommit(ctx context.Context, q storage.Querier, clientID, clientCommitID string) (int64, bool, error) {
	rows, err := q.Query(ctx, `
		SELECT commit_seq FROM sync_commits
		WHERE client_id = ? AND client_commit_id = ?`,
		clientID, clientCommitID)
	if err != nil {
		return 0, false, syncerr.Wrap(syncerr.Transient, err, "replay check")
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, false, rows.Err()
	}
	var seq int64
	if err := rows.Scan(&seq); err != nil {
		return 0, false, syncerr.Wrap(syncerr.Transient, err, "replay check scan")
	}
	return seq, true, nil
}

func (s *Store) readRow(ctx context.Context, q storage.Querier, partitionID, table, rowID string) (rowState, error) {
	rows, err := q.Query(ctx, `
		SELECT row_version, tombstoned, scope_keys FROM sync_row_versions
		WHERE partition_id = ? AND table_name = ? AND row_id = ?`,
		partitionID, table, rowID)
	if err != nil {
		return rowState{}, syncerr.Wrap(syncerr.Transient, err, "read row version")
	}
	defer rows.Close()

	if !rows.Next() {
		return rowState{}, rows.Err()
	}
	var st rowState
	var keysJSON string
	if err := rows.Scan(&st.version, &st.tombstoned, &keysJSON); err != nil {
		return rowState{}, syncerr.Wrap(syncerr.Transient, err, "scan row version")
	}
	st.exists = true
	st.scopeKeys = unmarshalKeys(keysJSON)
	return st, nil
}

// checkConflict applies the optimistic-concurrency rules of one operation.
func checkConflict(op wire.Op, st rowState) (wire.Conflict, bool) {
	if op.BaseVersion == nil {
		// No expectation. Deletes of missing or tombstoned rows with a null
		// base are idempotent no-ops that still join the commit so all
		// subscribers observe one consistent ordering.
		return wire.Conflict{}, false
	}
	if !st.exists {
		// A concrete expectation against a row the server has never seen is
		// only satisfiable for upserts expecting version 0.
		if op.Op == wire.OpDelete || *op.BaseVersion != 0 {
			return wire.Conflict{RowID: op.RowID, ExpectedBaseVersion: *op.BaseVersion, ActualRowVersion: 0}, true
		}
		return wire.Conflict{}, false
	}
	if *op.BaseVersion != st.version {
		return wire.Conflict{RowID: op.RowID, ExpectedBaseVersion: *op.BaseVersion, ActualRowVersion: st.version}, true
	}
	return wire.Conflict{}, false
}

// nextCommitSeq allocates the next sequence number. Callers hold the
// partition lock, so MAX+1 cannot interleave.
func (s *Store) nextCommitSeq(ctx context.Context, q storage.Querier, partitionID string) (int64, error) {
	var head int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(commit_seq), 0) FROM sync_commits WHERE partition_id = ?`,
		partitionID).Scan(&head)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.Transient, err, "allocate commit_seq")
	}
	return head + 1, nil
}

func (s *Store) writeRowVersion(ctx context.Context, q storage.Querier, partitionID string, op wire.Op, version int64, rowJSON []byte, keys []string) error {
	tombstoned := op.Op == wire.OpDelete
	err := q.Exec(ctx, `
		INSERT INTO sync_row_versions (partition_id, table_name, row_id, row_version, tombstoned, row_json, scope_keys)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (partition_id, table_name, row_id) DO UPDATE SET
			row_version = excluded.row_version,
			tombstoned  = excluded.tombstoned,
			row_json    = excluded.row_json,
			scope_keys  = excluded.scope_keys`,
		partitionID, op.Table, op.RowID, version, tombstoned, nullableJSON(rowJSON), marshalKeys(keys))
	if err != nil {
		return syncerr.Wrap(syncerr.Transient, err, "write row version")
	}
	return nil
}

// announce emits the realtime commit event. Fire-and-forget: a failed
// publish is logged and otherwise ignored.
func (s *Store) announce(ctx context.Context, partitionID string, commitSeq int64, scopeKeys []string) {
	if s.broadcaster == nil {
		return
	}
	ev := wire.Event{
		Type:             "commit",
		CommitSeq:        commitSeq,
		PartitionID:      partitionID,
		ScopeKeys:        scopeKeys,
		SourceInstanceID: s.instanceID,
	}
	if err := s.broadcaster.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Int64("commit_seq", commitSeq).Msg("realtime publish failed")
		return
	}
	s.metrics.Count("realtime_published", 1)
}

func marshalKeys(keys []string) string {
	if len(keys) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(keys)
	return string(b)
}

func unmarshalKeys(s string) []string {
	if s == "" {
		return nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return nil
	}
	return keys
}

// nullableJSON converts an empty payload to SQL NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
