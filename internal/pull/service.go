// Package pull is the server-side read path: it turns a client's cursor and
// scope subscriptions into either an incremental slice of the commit log or
// a paginated snapshot bootstrap, with bounded response sizes and optional
// row deduplication.
package pull

import (
	"context"
	"encoding/json"
	"time"

	"github.com/driftline/driftline/internal/scope"
	"github.com/driftline/driftline/internal/storage"
	"github.com/driftline/driftline/internal/syncerr"
	"github.com/driftline/driftline/internal/telemetry"
	"github.com/driftline/driftline/internal/wire"
)

// Default response bounds, applied when the request leaves them zero.
const (
	DefaultLimitCommits      = 200
	DefaultLimitSnapshotRows = 1000
	DefaultMaxSnapshotPages  = 10
)

// Service computes pull responses.
type Service struct {
	db      storage.DB
	scopes  *scope.Registry
	metrics telemetry.Metrics
}

// New creates the pull pipeline. Metrics may be nil.
func New(db storage.DB, scopes *scope.Registry, metrics telemetry.Metrics) *Service {
	if metrics == nil {
		metrics = telemetry.Nop{}
	}
	return &Service{db: db, scopes: scopes, metrics: metrics}
}

// Pull serves one pull request. Reads are consistent for a single response
// because the head is sampled once up front: snapshots anchor at it and the
// tail never streams past it.
func (s *Service) Pull(ctx context.Context, partitionID, actorID string, req *wire.PullRequest) (*wire.PullResponse, error) {
	done := s.metrics.Span("pull")
	defer done()

	limitCommits := req.LimitCommits
	if limitCommits <= 0 {
		limitCommits = DefaultLimitCommits
	}
	limitRows := req.LimitSnapshotRows
	if limitRows <= 0 {
		limitRows = DefaultLimitSnapshotRows
	}
	pageBudget := req.MaxSnapshotPages
	if pageBudget <= 0 {
		pageBudget = DefaultMaxSnapshotPages
	}

	head, err := s.head(ctx, partitionID)
	if err != nil {
		return nil, err
	}

	resp := &wire.PullResponse{
		Snapshots:          []wire.Snapshot{},
		Changes:            []wire.Change{},
		SubscriptionStates: make([]wire.SubscriptionState, 0, len(req.Subscriptions)),
	}

	var effectiveAll []string
	globalCursor := int64(0)
	haveCaughtUp := false

	for _, sub := range req.Subscriptions {
		effective, err := s.scopes.SubscriptionKeys(sub.Table, sub.Scopes, sub.Params)
		if err != nil {
			return nil, err
		}
		effectiveAll = scope.Union(effectiveAll, effective)

		state := sub.Bootstrap
		if state == nil {
			// First pull of a new subscription: begin a snapshot anchored at
			// the current head.
			state = &wire.BootstrapState{Phase: wire.PhasePendingSnapshot, AnchorCommitSeq: head}
		}

		if !state.CaughtUp() {
			state, err = s.serveSnapshot(ctx, partitionID, sub, state, effective, limitRows, &pageBudget, resp)
			if err != nil {
				return nil, err
			}
		}

		if state.CaughtUp() {
			newCursor, err := s.serveTail(ctx, partitionID, sub, state, effective, head, limitCommits, resp)
			if err != nil {
				return nil, err
			}
			if newCursor < head {
				resp.More = true
			}
			if !haveCaughtUp || newCursor < globalCursor {
				globalCursor = newCursor
			}
			haveCaughtUp = true
		}

		resp.SubscriptionStates = append(resp.SubscriptionStates, wire.SubscriptionState{
			ID:        sub.ID,
			Bootstrap: state,
		})
	}

	if haveCaughtUp {
		resp.Cursor = globalCursor
	}

	if req.DedupeRows {
		dedupe(resp)
	}

	if err := s.advanceCursor(ctx, partitionID, actorID, req, resp.Cursor, effectiveAll); err != nil {
		return nil, err
	}

	s.metrics.Count("pull_changes", len(resp.Changes))
	return resp, nil
}

func (s *Service) head(ctx context.Context, partitionID string) (int64, error) {
	var head int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(commit_seq), 0) FROM sync_commits WHERE partition_id = ?`,
		partitionID).Scan(&head)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.Transient, err, "read head")
	}
	return head, nil
}

// serveSnapshot emits at most one snapshot page for a bootstrapping
// subscription, so a single response never carries more than limitRows
// snapshot rows per subscription; the shared page budget bounds pages across
// subscriptions. Pages are ordered by row_id so pagination is deterministic.
func (s *Service) serveSnapshot(ctx context.Context, partitionID string, sub wire.Subscription, state *wire.BootstrapState, effective []string, limitRows int, pageBudget *int, resp *wire.PullResponse) (*wire.BootstrapState, error) {
	if *pageBudget <= 0 {
		// Earlier subscriptions spent the budget; this one resumes next
		// round-trip.
		resp.More = true
		return state, nil
	}

	rows, lastID, exhausted, err := s.snapshotPage(ctx, partitionID, sub.Table, state.LastRowID, effective, limitRows)
	if err != nil {
		return nil, err
	}

	resp.Snapshots = append(resp.Snapshots, wire.Snapshot{
		Table:           sub.Table,
		Rows:            rows,
		IsFirstPage:     state.Page == 0,
		IsLastPage:      exhausted,
		SubscriptionID:  sub.ID,
		AnchorCommitSeq: state.AnchorCommitSeq,
	})
	*pageBudget--

	if exhausted {
		// Bootstrap complete: the subscription's cursor becomes the anchor,
		// so commits at or before it are never re-delivered.
		return &wire.BootstrapState{
			Phase:           wire.PhaseCaughtUp,
			AnchorCommitSeq: state.AnchorCommitSeq,
		}, nil
	}

	lastRowID := state.LastRowID
	if lastID != "" {
		lastRowID = lastID
	}
	resp.More = true
	return &wire.BootstrapState{
		Phase:           wire.PhaseSnapshotInProgress,
		Page:            state.Page + 1,
		AnchorCommitSeq: state.AnchorCommitSeq,
		LastRowID:       lastRowID,
	}, nil
}

// snapshotPage reads up to limitRows authoritative rows after lastRowID that
// fall inside the subscription's scopes. Scope filtering happens here rather
// than in SQL because effective keys may carry wildcard segments; the query
// over-fetches to keep page cost bounded despite filter misses.
func (s *Service) snapshotPage(ctx context.Context, partitionID, table, lastRowID string, effective []string, limitRows int) ([]json.RawMessage, string, bool, error) {
	fetch := limitRows * 4
	rows, err := s.db.Query(ctx, `
		SELECT row_id, row_json, scope_keys FROM sync_row_versions
		WHERE partition_id = ? AND table_name = ? AND tombstoned = FALSE AND row_id > ?
		ORDER BY row_id
		LIMIT ?`,
		partitionID, table, lastRowID, fetch)
	if err != nil {
		return nil, "", false, syncerr.Wrap(syncerr.Transient, err, "snapshot query")
	}
	defer rows.Close()

	out := make([]json.RawMessage, 0, limitRows)
	last := ""
	scanned := 0
	for rows.Next() {
		var rowID, keysJSON string
		var rowJSON []byte
		if err := rows.Scan(&rowID, &rowJSON, &keysJSON); err != nil {
			return nil, "", false, syncerr.Wrap(syncerr.Transient, err, "snapshot scan")
		}
		scanned++
		last = rowID
		if !scope.Match(unmarshalKeys(keysJSON), effective) {
			continue
		}
		out = append(out, json.RawMessage(rowJSON))
		if len(out) == limitRows {
			// Page full; there may be more rows past this one.
			return out, last, false, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, syncerr.Wrap(syncerr.Transient, err, "snapshot iterate")
	}
	// Fewer scanned rows than the fetch window means the table is exhausted;
	// a full window may have more rows past it even if few matched.
	return out, last, scanned < fetch, nil
}

// serveTail streams changes with cursor < commit_seq <= min(head,
// cursor+limitCommits) whose scopes intersect the subscription's. The cursor
// advances over non-matching commits too, so a quiet subscription never
// rescans the same slice.
func (s *Service) serveTail(ctx context.Context, partitionID string, sub wire.Subscription, state *wire.BootstrapState, effective []string, head int64, limitCommits int, resp *wire.PullResponse) (int64, error) {
	cursor := sub.Cursor
	if state.AnchorCommitSeq > cursor {
		cursor = state.AnchorCommitSeq
	}
	if cursor >= head {
		return head, nil
	}

	upper := cursor + int64(limitCommits)
	if upper > head {
		upper = head
	}

	rows, err := s.db.Query(ctx, `
		SELECT commit_seq, seq_in_commit, table_name, row_id, op, row_json, row_version, scope_keys
		FROM sync_changes
		WHERE partition_id = ? AND table_name = ? AND commit_seq > ? AND commit_seq <= ?
		ORDER BY commit_seq, seq_in_commit`,
		partitionID, sub.Table, cursor, upper)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.Transient, err, "tail query")
	}
	defer rows.Close()

	for rows.Next() {
		var ch wire.Change
		var rowJSON []byte
		var keysJSON string
		if err := rows.Scan(&ch.CommitSeq, &ch.SeqInCommit, &ch.Table, &ch.RowID, &ch.Op, &rowJSON, &ch.RowVersion, &keysJSON); err != nil {
			return 0, syncerr.Wrap(syncerr.Transient, err, "tail scan")
		}
		ch.RowJSON = json.RawMessage(rowJSON)
		ch.ScopeKeys = unmarshalKeys(keysJSON)
		if !scope.Match(ch.ScopeKeys, effective) {
			continue
		}
		resp.Changes = append(resp.Changes, ch)
	}
	if err := rows.Err(); err != nil {
		return 0, syncerr.Wrap(syncerr.Transient, err, "tail iterate")
	}
	return upper, nil
}

// advanceCursor persists the client's durable position, effective scope set,
// and self-reported presence. The stored cursor is monotone: a stale pull can
// never move it back.
func (s *Service) advanceCursor(ctx context.Context, partitionID, actorID string, req *wire.PullRequest, cursor int64, effective []string) error {
	clientID := req.ClientID
	if clientID == "" {
		return syncerr.New(syncerr.Validation, "pull without clientId")
	}
	scopesJSON, _ := json.Marshal(effective)
	if effective == nil {
		scopesJSON = []byte("[]")
	}
	return s.db.Transact(ctx, func(q storage.Querier) error {
		// Read-modify-write keeps the monotonicity rule in one place instead
		// of leaning on dialect-specific GREATEST/MAX forms.
		stored := int64(0)
		rows, err := q.Query(ctx,
			`SELECT cursor FROM sync_client_cursors WHERE partition_id = ? AND client_id = ?`,
			partitionID, clientID)
		if err != nil {
			return syncerr.Wrap(syncerr.Transient, err, "read cursor")
		}
		if rows.Next() {
			if err := rows.Scan(&stored); err != nil {
				rows.Close()
				return syncerr.Wrap(syncerr.Transient, err, "scan cursor")
			}
		}
		rows.Close()
		if cursor < stored {
			cursor = stored
		}

		err = q.Exec(ctx, `
			INSERT INTO sync_client_cursors (partition_id, client_id, cursor, actor_id, scopes, connection_mode, activity_state, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (partition_id, client_id) DO UPDATE SET
				cursor          = excluded.cursor,
				actor_id        = excluded.actor_id,
				scopes          = excluded.scopes,
				connection_mode = excluded.connection_mode,
				activity_state  = excluded.activity_state,
				updated_at      = excluded.updated_at`,
			partitionID, clientID, cursor, actorID, string(scopesJSON),
			req.ConnectionMode, req.ActivityState, time.Now().UTC())
		if err != nil {
			return syncerr.Wrap(syncerr.Transient, err, "advance cursor")
		}
		return nil
	})
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
