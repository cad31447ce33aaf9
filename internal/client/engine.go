// Package client is the device-side half of the sync protocol: a local
// SQLite materialisation of subscribed server rows, an outbox of pending
// local commits, and a loop that pushes the outbox and pulls the commit log
// until both sides agree.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/storage"
	"github.com/driftline/driftline/internal/syncerr"
	"github.com/driftline/driftline/internal/telemetry"
	"github.com/driftline/driftline/internal/wire"
)

// ConflictReport surfaces a rejected commit to the application. The entry
// stays in the outbox: the engine never auto-resolves conflicts.
type ConflictReport struct {
	ClientCommitID string
	Conflicts      []wire.Conflict
}

// Config assembles an Engine.
type Config struct {
	ClientID      string
	PartitionID   string
	SchemaVersion int

	Transport Transport
	DB        *storage.SQLDB
	Handlers  Handlers

	// Subscriptions declares interest. Cursor and bootstrap state are managed
	// by the engine; only ID, Table, Scopes and Params matter here.
	Subscriptions []wire.Subscription

	// Pull sizing; zero values take the server defaults.
	LimitCommits      int
	LimitSnapshotRows int
	MaxSnapshotPages  int

	// SyncInterval is the idle poll period. Wake() short-circuits it.
	SyncInterval time.Duration

	// ConnectionMode and ActivityState are reported on every pull so the
	// server's cursor table reflects how this client is connected ("sse",
	// "poll") and whether its user is active.
	ConnectionMode string
	ActivityState  string

	// OnConflict, when set, is called for every rejected commit.
	OnConflict func(ConflictReport)

	Logger  zerolog.Logger
	Metrics telemetry.Metrics
}

// Engine drives one client's sync lifecycle.
type Engine struct {
	cfg Config
	ts  *mutationTimestamps

	wake chan struct{}

	mu      sync.Mutex
	haltErr error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the config, creates the per-table local schema, and loads or
// seeds the stored subscription state.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.ClientID == "" {
		return nil, syncerr.New(syncerr.Validation, "client id required")
	}
	if cfg.Transport == nil || cfg.DB == nil {
		return nil, syncerr.New(syncerr.Validation, "transport and local db required")
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Nop{}
	}

	e := &Engine{
		cfg:  cfg,
		ts:   newMutationTimestamps(),
		wake: make(chan struct{}, 1),
	}

	err := cfg.DB.Transact(ctx, func(q storage.Querier) error {
		for table, h := range cfg.Handlers {
			if h.CreateLocal == nil {
				return syncerr.New(syncerr.Validation, "handler for %q has no CreateLocal", table)
			}
			if err := h.CreateLocal(ctx, q); err != nil {
				return fmt.Errorf("create local %s: %w", table, err)
			}
		}
		if err := e.reconcileSchemaVersion(ctx, q); err != nil {
			return err
		}
		return e.seedSubscriptions(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// reconcileSchemaVersion resets the local materialisation when the declared
// schema version moved: snapshots, row state, cursor and outbox all belong to
// the old shape.
func (e *Engine) reconcileSchemaVersion(ctx context.Context, q storage.Querier) error {
	want := strconv.Itoa(e.cfg.SchemaVersion)
	have, err := metaGet(ctx, q, metaSchemaVersion, "")
	if err != nil {
		return err
	}
	if have != "" && have != want {
		e.cfg.Logger.Warn().Str("from", have).Str("to", want).
			Msg("schema version changed, resetting local state")
		for table, h := range e.cfg.Handlers {
			if err := h.ClearAll(ctx, q); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		for _, stmt := range []string{
			`DELETE FROM sync_outbox`,
			`DELETE FROM sync_subscription_state`,
			`DELETE FROM sync_row_state`,
		} {
			if err := q.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		if err := q.Exec(ctx, `DELETE FROM sync_meta WHERE key = ?`, metaCursor); err != nil {
			return err
		}
	}
	return metaSet(ctx, q, metaSchemaVersion, want)
}

// seedSubscriptions inserts declared subscriptions that have no stored state
// yet. Existing rows keep their cursor and bootstrap progress.
func (e *Engine) seedSubscriptions(ctx context.Context, q storage.Querier) error {
	for _, sub := range e.cfg.Subscriptions {
		scopes, err := json.Marshal(sub.Scopes)
		if err != nil {
			return err
		}
		params, err := json.Marshal(sub.Params)
		if err != nil {
			return err
		}
		err = q.Exec(ctx, `
			INSERT INTO sync_subscription_state (subscription_id, table_name, scopes, params)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (subscription_id) DO NOTHING`,
			sub.ID, sub.Table, string(scopes), string(params))
		if err != nil {
			return err
		}
	}
	return nil
}

// GetMutationTimestamp implements TimestampSource for fingerprints.
func (e *Engine) GetMutationTimestamp(table, rowID string) int64 {
	return e.ts.get(table, rowID)
}

// Wake kicks the sync loop without waiting for the poll interval.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Halted returns the error that stopped the loop, nil while healthy.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.haltErr
}

func (e *Engine) halt(err error) {
	e.mu.Lock()
	e.haltErr = err
	e.mu.Unlock()
	e.cfg.Logger.Error().Err(err).Msg("sync engine halted")
}

// ApplyLocalMutation merges patch into the row, stamps its mutation time, and
// enqueues an upsert carrying the last known server version as base.
func (e *Engine) ApplyLocalMutation(ctx context.Context, table, rowID string, patch map[string]any) error {
	h, ok := e.cfg.Handlers[table]
	if !ok {
		return syncerr.New(syncerr.Validation, "no handler for table %q", table)
	}
	err := e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
		payload, err := h.ApplyLocal(ctx, q, rowID, patch)
		if err != nil {
			return err
		}
		base, err := e.baseVersionOf(ctx, q, table, rowID)
		if err != nil {
			return err
		}
		_, err = enqueueOutbox(ctx, q, []wire.Op{{
			Table:       table,
			RowID:       rowID,
			Op:          wire.OpUpsert,
			Payload:     payload,
			BaseVersion: base,
		}})
		return err
	})
	if err != nil {
		return err
	}
	e.ts.stamp(table, rowID)
	e.cfg.Metrics.Count("client_mutations", 1)
	e.Wake()
	return nil
}

// DeleteLocal removes the row locally and enqueues its tombstone.
func (e *Engine) DeleteLocal(ctx context.Context, table, rowID string) error {
	h, ok := e.cfg.Handlers[table]
	if !ok {
		return syncerr.New(syncerr.Validation, "no handler for table %q", table)
	}
	err := e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
		if err := h.DeleteLocal(ctx, q, rowID); err != nil {
			return err
		}
		base, err := e.baseVersionOf(ctx, q, table, rowID)
		if err != nil {
			return err
		}
		_, err = enqueueOutbox(ctx, q, []wire.Op{{
			Table:       table,
			RowID:       rowID,
			Op:          wire.OpDelete,
			BaseVersion: base,
		}})
		return err
	})
	if err != nil {
		return err
	}
	e.ts.stamp(table, rowID)
	e.Wake()
	return nil
}

// baseVersionOf returns the last server version this client observed for the
// row, nil when unknown. Unknown means "no expectation": snapshot-loaded rows
// and brand-new rows push without an optimistic check.
func (e *Engine) baseVersionOf(ctx context.Context, q storage.Querier, table, rowID string) (*int64, error) {
	rows, err := q.Query(ctx,
		`SELECT row_version FROM sync_row_state WHERE table_name = ? AND row_id = ?`, table, rowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var v int64
	if err := rows.Scan(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// PushOnce flushes the outbox FIFO, one commit per round-trip. It stops at
// the first conflict so later commits never jump the queue.
func (e *Engine) PushOnce(ctx context.Context) error {
	for {
		var entries []outboxEntry
		err := e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
			var err error
			entries, err = dequeueOutbox(ctx, q, 1)
			return err
		})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		if _, err := e.pushEntry(ctx, entries[0], nil); err != nil {
			return err
		}
	}
}

// pushEntry sends one outbox entry, optionally with a piggybacked pull, and
// settles the entry per the outcome. more relays the pull slice's bound.
func (e *Engine) pushEntry(ctx context.Context, entry outboxEntry, pull *wire.PullRequest) (more bool, err error) {
	done := e.cfg.Metrics.Span("client_push")
	defer done()

	env := &wire.Envelope{
		ClientID:    e.cfg.ClientID,
		PartitionID: e.cfg.PartitionID,
		Push: &wire.PushRequest{
			ClientID:       e.cfg.ClientID,
			ClientCommitID: entry.clientCommitID,
			Operations:     entry.operations,
			SchemaVersion:  e.cfg.SchemaVersion,
		},
		Pull: pull,
	}

	resp, err := e.cfg.Transport.Sync(ctx, env)
	if err != nil {
		return false, e.settlePushError(ctx, entry, err)
	}

	if resp.Push != nil && len(resp.Push.Conflicts) > 0 {
		report := ConflictReport{ClientCommitID: entry.clientCommitID, Conflicts: resp.Push.Conflicts}
		e.cfg.Logger.Warn().Str("commit", entry.clientCommitID).
			Int("conflicts", len(report.Conflicts)).Msg("commit rejected")
		if err := e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
			return markOutboxError(ctx, q, entry.id, "conflict", true)
		}); err != nil {
			return false, err
		}
		if e.cfg.OnConflict != nil {
			e.cfg.OnConflict(report)
		}
		return false, syncerr.NewConflict(report.Conflicts)
	}

	// Accepted. Delete the entry, bump known row versions the way the server
	// did, and re-stamp mutation times so fingerprints stay honest for rows
	// still converging.
	err = e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
		if err := deleteOutbox(ctx, q, entry.id); err != nil {
			return err
		}
		return e.noteAcceptedOps(ctx, q, entry.operations)
	})
	if err != nil {
		return false, err
	}
	for _, op := range entry.operations {
		e.ts.stamp(op.Table, op.RowID)
	}
	if resp.Push != nil {
		e.cfg.Logger.Debug().Str("commit", entry.clientCommitID).
			Int64("seq", resp.Push.AcceptedCommitSeq).Msg("commit accepted")
	}
	if resp.Pull != nil {
		if more, err = e.applyPull(ctx, resp.Pull); err != nil {
			return false, err
		}
	}
	return more, nil
}

// settlePushError books the failure against the entry. Validation rejections
// are poison and are dropped; everything else keeps the entry for retry.
func (e *Engine) settlePushError(ctx context.Context, entry outboxEntry, cause error) error {
	kind := syncerr.KindOf(cause)
	switch kind {
	case syncerr.Validation:
		e.cfg.Logger.Warn().Err(cause).Str("commit", entry.clientCommitID).
			Msg("dropping invalid outbox entry")
		if err := e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
			return deleteOutbox(ctx, q, entry.id)
		}); err != nil {
			return err
		}
		return nil
	case syncerr.RateLimited:
		// Does not consume an attempt; the loop backs off.
		if err := e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
			return markOutboxError(ctx, q, entry.id, cause.Error(), false)
		}); err != nil {
			return err
		}
		return cause
	default:
		if err := e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
			return markOutboxError(ctx, q, entry.id, cause.Error(), true)
		}); err != nil {
			return err
		}
		return cause
	}
}

// noteAcceptedOps mirrors the server's version bump: each accepted write
// moves the row to lastKnown+1, tombstones forget the row.
func (e *Engine) noteAcceptedOps(ctx context.Context, q storage.Querier, ops []wire.Op) error {
	for _, op := range ops {
		if op.Op == wire.OpDelete {
			if err := q.Exec(ctx,
				`DELETE FROM sync_row_state WHERE table_name = ? AND row_id = ?`,
				op.Table, op.RowID); err != nil {
				return err
			}
			continue
		}
		err := q.Exec(ctx, `
			INSERT INTO sync_row_state (table_name, row_id, row_version) VALUES (?, ?, 1)
			ON CONFLICT (table_name, row_id) DO UPDATE SET row_version = sync_row_state.row_version + 1`,
			op.Table, op.RowID)
		if err != nil {
			return err
		}
	}
	return nil
}

// buildPull assembles the pull request from stored subscription state.
func (e *Engine) buildPull(ctx context.Context) (*wire.PullRequest, error) {
	var subs []wire.Subscription
	err := e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
		rows, err := q.Query(ctx, `
			SELECT subscription_id, table_name, scopes, params, bootstrap, cursor
			FROM sync_subscription_state ORDER BY subscription_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sub wire.Subscription
			var scopes, params string
			var bootstrap *string
			if err := rows.Scan(&sub.ID, &sub.Table, &scopes, &params, &bootstrap, &sub.Cursor); err != nil {
				return err
			}
			if err := json.Unmarshal([]byte(scopes), &sub.Scopes); err != nil {
				return err
			}
			if err := json.Unmarshal([]byte(params), &sub.Params); err != nil {
				return err
			}
			if bootstrap != nil && *bootstrap != "" {
				sub.Bootstrap = &wire.BootstrapState{}
				if err := json.Unmarshal([]byte(*bootstrap), sub.Bootstrap); err != nil {
					return err
				}
			}
			subs = append(subs, sub)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}
	return &wire.PullRequest{
		ClientID:          e.cfg.ClientID,
		PartitionID:       e.cfg.PartitionID,
		Subscriptions:     subs,
		LimitCommits:      e.cfg.LimitCommits,
		LimitSnapshotRows: e.cfg.LimitSnapshotRows,
		MaxSnapshotPages:  e.cfg.MaxSnapshotPages,
		DedupeRows:        true,
		ConnectionMode:    e.cfg.ConnectionMode,
		ActivityState:     e.cfg.ActivityState,
	}, nil
}

// PullOnce performs one pull round-trip and applies the response. more=true
// means the server bounded the reply and another pull should follow
// immediately.
func (e *Engine) PullOnce(ctx context.Context) (bool, error) {
	pull, err := e.buildPull(ctx)
	if err != nil || pull == nil {
		return false, err
	}

	done := e.cfg.Metrics.Span("client_pull")
	defer done()

	resp, err := e.cfg.Transport.Sync(ctx, &wire.Envelope{
		ClientID:    e.cfg.ClientID,
		PartitionID: e.cfg.PartitionID,
		Pull:        pull,
	})
	if err != nil {
		return false, err
	}
	if resp.Pull == nil {
		return false, nil
	}
	return e.applyPull(ctx, resp.Pull)
}

// applyPull applies a whole pull response in one local transaction: snapshot
// pages, then changes in commit order, then the advanced subscription states
// and cursor. A crash mid-apply loses nothing; the next pull replays.
func (e *Engine) applyPull(ctx context.Context, pull *wire.PullResponse) (bool, error) {
	err := e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
		for _, snap := range pull.Snapshots {
			h, ok := e.cfg.Handlers[snap.Table]
			if !ok {
				return syncerr.New(syncerr.Fatal, "snapshot for unhandled table %q", snap.Table)
			}
			if snap.IsFirstPage && h.OnSnapshotStart != nil {
				if err := h.OnSnapshotStart(ctx, q); err != nil {
					return err
				}
			}
			if len(snap.Rows) > 0 {
				if err := h.ApplySnapshot(ctx, q, snap.Rows, e.cfg.DB.MaxParams()); err != nil {
					return err
				}
			}
		}

		for _, ch := range pull.Changes {
			h, ok := e.cfg.Handlers[ch.Table]
			if !ok {
				return syncerr.New(syncerr.Fatal, "change for unhandled table %q", ch.Table)
			}
			if err := h.ApplyChange(ctx, q, ch); err != nil {
				return err
			}
			if err := e.noteServerVersion(ctx, q, ch); err != nil {
				return err
			}
		}

		for _, st := range pull.SubscriptionStates {
			var bootstrap any
			if st.Bootstrap != nil {
				b, err := json.Marshal(st.Bootstrap)
				if err != nil {
					return err
				}
				bootstrap = string(b)
			}
			err := q.Exec(ctx, `
				UPDATE sync_subscription_state SET bootstrap = ?, cursor = ?
				WHERE subscription_id = ?`, bootstrap, pull.Cursor, st.ID)
			if err != nil {
				return err
			}
		}

		return e.advanceLocalCursor(ctx, q, pull.Cursor)
	})
	if err != nil {
		return false, err
	}
	e.cfg.Metrics.Count("client_changes_applied", len(pull.Changes))
	return pull.More, nil
}

// noteServerVersion records the authoritative version a change delivered.
func (e *Engine) noteServerVersion(ctx context.Context, q storage.Querier, ch wire.Change) error {
	if ch.Op == wire.OpDelete {
		return q.Exec(ctx,
			`DELETE FROM sync_row_state WHERE table_name = ? AND row_id = ?`, ch.Table, ch.RowID)
	}
	return q.Exec(ctx, `
		INSERT INTO sync_row_state (table_name, row_id, row_version) VALUES (?, ?, ?)
		ON CONFLICT (table_name, row_id) DO UPDATE SET row_version = excluded.row_version`,
		ch.Table, ch.RowID, ch.RowVersion)
}

// advanceLocalCursor is monotone: a replayed response never moves it back.
func (e *Engine) advanceLocalCursor(ctx context.Context, q storage.Querier, cursor int64) error {
	cur, err := metaGet(ctx, q, metaCursor, "0")
	if err != nil {
		return err
	}
	have, _ := strconv.ParseInt(cur, 10, 64)
	if cursor <= have {
		return nil
	}
	return metaSet(ctx, q, metaCursor, strconv.FormatInt(cursor, 10))
}

// Cursor reads the stored global cursor.
func (e *Engine) Cursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
		cur, err := metaGet(ctx, q, metaCursor, "0")
		if err != nil {
			return err
		}
		cursor, _ = strconv.ParseInt(cur, 10, 64)
		return nil
	})
	return cursor, err
}

// SyncOnce runs one full round: at most one outbox entry piggybacks on the
// pull so a fresh local commit comes back in the same reply.
func (e *Engine) SyncOnce(ctx context.Context) (bool, error) {
	var entries []outboxEntry
	err := e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
		var err error
		entries, err = dequeueOutbox(ctx, q, 1)
		return err
	})
	if err != nil {
		return false, err
	}

	if len(entries) > 0 {
		pull, err := e.buildPull(ctx)
		if err != nil {
			return false, err
		}
		more, err := e.pushEntry(ctx, entries[0], pull)
		if err != nil {
			return false, err
		}
		// More pushes pending forces another round regardless of pull bounds.
		var depth int
		err = e.cfg.DB.Transact(ctx, func(q storage.Querier) error {
			var err error
			depth, err = outboxDepth(ctx, q)
			return err
		})
		return more || depth > 0, err
	}
	return e.PullOnce(ctx)
}

// Start launches the background loop. Idempotent: while a loop is live,
// further calls are no-ops. Stop or ctx cancellation ends it.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
}

// Stop ends the loop and clears the volatile mutation timestamps. A stopped
// engine may be started again.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.ts.clear()
}

// retryDelay picks the wait before the next round: the server's Retry-After
// hint when it gave one, otherwise the exponential backoff schedule.
func retryDelay(err error, bo backoff.BackOff) time.Duration {
	if hint := syncerr.RetryAfterOf(err); hint > 0 {
		return hint
	}
	return bo.NextBackOff()
}

func (e *Engine) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-timer.C:
		}

		wait := e.cfg.SyncInterval
	rounds:
		for {
			more, err := e.SyncOnce(ctx)
			switch {
			case err == nil:
				bo.Reset()
				if !more {
					break rounds
				}
			case syncerr.KindOf(err) == syncerr.SchemaMismatch,
				syncerr.KindOf(err) == syncerr.Fatal:
				e.halt(err)
				return
			case syncerr.IsRetryable(err):
				wait = retryDelay(err, bo)
				e.cfg.Logger.Warn().Err(err).Dur("retry_in", wait).Msg("sync round failed")
				break rounds
			default:
				// Conflicts and validation wait for the application to act.
				e.cfg.Logger.Warn().Err(err).Msg("sync round needs intervention")
				break rounds
			}
			if ctx.Err() != nil {
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}
