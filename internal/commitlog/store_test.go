package commitlog

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/realtime"
	"github.com/driftline/driftline/internal/syncerr"
	"github.com/driftline/driftline/internal/synctest"
	"github.com/driftline/driftline/internal/wire"
)

const partition = "p-test"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(Config{
		DB:            synctest.OpenServerDB(t),
		Scopes:        synctest.Scopes(t),
		Broadcaster:   realtime.NewMemory(),
		InstanceID:    "inst-test",
		SchemaVersion: 1,
	})
}

func upsert(rowID string, payload string, base *int64) wire.Op {
	return wire.Op{Table: "tasks", RowID: rowID, Op: wire.OpUpsert, Payload: json.RawMessage(payload), BaseVersion: base}
}

func pushReq(clientID, commitID string, ops ...wire.Op) *wire.PushRequest {
	return &wire.PushRequest{ClientID: clientID, ClientCommitID: commitID, Operations: ops, SchemaVersion: 1}
}

func base(v int64) *int64 { return &v }

func TestPushAssignsMonotonicCommitSeqs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var last int64
	for i := 0; i < 5; i++ {
		resp, err := store.Push(ctx, partition, "actor-1",
			pushReq("c1", fmt.Sprintf("commit-%d", i),
				upsert(fmt.Sprintf("t%d", i), `{"id":"t","project_id":"p1"}`, nil)))
		require.NoError(t, err)
		assert.Greater(t, resp.AcceptedCommitSeq, last)
		last = resp.AcceptedCommitSeq
	}

	head, err := store.Head(ctx, partition)
	require.NoError(t, err)
	assert.Equal(t, last, head)
}

func TestPushIsIdempotentPerClientCommitID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	req := pushReq("c1", "A", upsert("t1", `{"id":"t1","project_id":"p1","title":"x"}`, nil))

	first, err := store.Push(ctx, partition, "actor-1", req)
	require.NoError(t, err)
	second, err := store.Push(ctx, partition, "actor-1", req)
	require.NoError(t, err)

	assert.Equal(t, first.AcceptedCommitSeq, second.AcceptedCommitSeq)

	// The replay must have no observable side effects: one commit, one
	// change, row_version still 1.
	head, err := store.Head(ctx, partition)
	require.NoError(t, err)
	assert.Equal(t, first.AcceptedCommitSeq, head)

	st, err := store.readRowState(ctx, partition, "tasks", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.version)
	assert.False(t, st.tombstoned)
}

func TestPushRejectsStaleBaseVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Push(ctx, partition, "a1",
		pushReq("c1", "seed", upsert("t1", `{"id":"t1","project_id":"p1"}`, nil)))
	require.NoError(t, err)

	// Client 1 advances the row to version 2.
	_, err = store.Push(ctx, partition, "a1",
		pushReq("c1", "bump", upsert("t1", `{"id":"t1","project_id":"p1","v":2}`, base(1))))
	require.NoError(t, err)

	headBefore, err := store.Head(ctx, partition)
	require.NoError(t, err)

	// Client 2 still holds base 1.
	_, err = store.Push(ctx, partition, "a2",
		pushReq("c2", "stale", upsert("t1", `{"id":"t1","project_id":"p1","v":9}`, base(1))))
	require.Error(t, err)
	require.Equal(t, syncerr.Conflict, syncerr.KindOf(err))

	conflicts := syncerr.ConflictsOf(err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "t1", conflicts[0].RowID)
	assert.Equal(t, int64(1), conflicts[0].ExpectedBaseVersion)
	assert.Equal(t, int64(2), conflicts[0].ActualRowVersion)

	// No commit was appended.
	headAfter, err := store.Head(ctx, partition)
	require.NoError(t, err)
	assert.Equal(t, headBefore, headAfter)
}

func TestPushConflictRejectsWholeCommit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Push(ctx, partition, "a1",
		pushReq("c1", "seed", upsert("t1", `{"id":"t1","project_id":"p1"}`, nil)))
	require.NoError(t, err)

	// One clean op and one conflicting op: everything is rejected.
	_, err = store.Push(ctx, partition, "a1",
		pushReq("c1", "mixed",
			upsert("t2", `{"id":"t2","project_id":"p1"}`, nil),
			upsert("t1", `{"id":"t1","project_id":"p1"}`, base(7))))
	require.Equal(t, syncerr.Conflict, syncerr.KindOf(err))

	st, err := store.readRowState(ctx, partition, "tasks", "t2")
	require.NoError(t, err)
	assert.False(t, st.exists, "t2 must not exist after the rejected commit")
}

func TestPushRejectsDuplicateRowInCommit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Push(ctx, partition, "a1",
		pushReq("c1", "dup",
			upsert("t1", `{"id":"t1","project_id":"p1"}`, nil),
			upsert("t1", `{"id":"t1","project_id":"p1"}`, nil)))
	require.Equal(t, syncerr.Validation, syncerr.KindOf(err))
}

func TestPushRejectsSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	req := pushReq("c1", "A", upsert("t1", `{"id":"t1","project_id":"p1"}`, nil))
	req.SchemaVersion = 99
	_, err := store.Push(ctx, partition, "a1", req)
	require.Equal(t, syncerr.SchemaMismatch, syncerr.KindOf(err))
}

func TestDeleteWithNullBaseOfMissingRowAllocatesCommit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	resp, err := store.Push(ctx, partition, "a1",
		pushReq("c1", "del", wire.Op{Table: "tasks", RowID: "ghost", Op: wire.OpDelete}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.AcceptedCommitSeq)

	st, err := store.readRowState(ctx, partition, "tasks", "ghost")
	require.NoError(t, err)
	assert.True(t, st.tombstoned)
	assert.Equal(t, int64(1), st.version)
}

func TestDeleteWithBaseOfMissingRowConflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Push(ctx, partition, "a1",
		pushReq("c1", "del", wire.Op{Table: "tasks", RowID: "ghost", Op: wire.OpDelete, BaseVersion: base(1)}))
	require.Equal(t, syncerr.Conflict, syncerr.KindOf(err))

	conflicts := syncerr.ConflictsOf(err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, int64(0), conflicts[0].ActualRowVersion)
}

func TestDeleteKeepsTombstoneInPriorScopes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Push(ctx, partition, "a1",
		pushReq("c1", "seed", upsert("t1", `{"id":"t1","project_id":"p1","assignee_id":"u1"}`, nil)))
	require.NoError(t, err)

	_, err = store.Push(ctx, partition, "a1",
		pushReq("c1", "del", wire.Op{Table: "tasks", RowID: "t1", Op: wire.OpDelete, BaseVersion: base(1)}))
	require.NoError(t, err)

	st, err := store.readRowState(ctx, partition, "tasks", "t1")
	require.NoError(t, err)
	assert.True(t, st.tombstoned)
	assert.ElementsMatch(t, []string{"project:p1", "assignee:u1"}, st.scopeKeys)
}

func TestPushAnnouncesCommitEvent(t *testing.T) {
	ctx := context.Background()
	bcast := realtime.NewMemory()
	store := New(Config{
		DB:            synctest.OpenServerDB(t),
		Scopes:        synctest.Scopes(t),
		Broadcaster:   bcast,
		InstanceID:    "inst-test",
		SchemaVersion: 1,
	})

	events, cancel := bcast.Subscribe(ctx)
	defer cancel()

	resp, err := store.Push(ctx, partition, "a1",
		pushReq("c1", "A", upsert("t1", `{"id":"t1","project_id":"p1"}`, nil)))
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, "commit", ev.Type)
	assert.Equal(t, resp.AcceptedCommitSeq, ev.CommitSeq)
	assert.Equal(t, partition, ev.PartitionID)
	assert.Equal(t, "inst-test", ev.SourceInstanceID)
	assert.Contains(t, ev.ScopeKeys, "project:p1")
}

// readRowState exposes the row-version table to assertions.
func (s *Store) readRowState(ctx context.Context, partitionID, table, rowID string) (rowState, error) {
	return s.readRow(ctx, s.db, partitionID, table, rowID)
}
