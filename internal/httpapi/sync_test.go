package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/auth"
	"github.com/driftline/driftline/internal/commitlog"
	"github.com/driftline/driftline/internal/pull"
	"github.com/driftline/driftline/internal/realtime"
	"github.com/driftline/driftline/internal/synctest"
	"github.com/driftline/driftline/internal/wire"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	t.Cleanup(ResetAllRateLimiters)

	db := synctest.OpenServerDB(t)
	scopes := synctest.Scopes(t)
	srv := &Server{
		Store: commitlog.New(commitlog.Config{
			DB:            db,
			Scopes:        scopes,
			Broadcaster:   realtime.NewMemory(),
			InstanceID:    "inst-test",
			SchemaVersion: 1,
		}),
		Pull:        pull.New(db, scopes, nil),
		Broadcaster: realtime.NewMemory(),
		InstanceID:  "inst-test",
	}
	return srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})
}

func postSync(t *testing.T, router http.Handler, env wire.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/sync", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Debug-Sub", "test-actor")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeResp(t *testing.T, rec *httptest.ResponseRecorder) wire.Response {
	t.Helper()
	var resp wire.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func pushEnv(clientID, commitID, rowID, payload string, base *int64) wire.Envelope {
	return wire.Envelope{
		ClientID: clientID,
		Push: &wire.PushRequest{
			ClientCommitID: commitID,
			SchemaVersion:  1,
			Operations: []wire.Op{{
				Table: "tasks", RowID: rowID, Op: wire.OpUpsert,
				Payload: json.RawMessage(payload), BaseVersion: base,
			}},
		},
	}
}

func TestSyncPushThenPullRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	rec := postSync(t, router, pushEnv("c1", "A", "t1", `{"id":"t1","project_id":"p1","title":"x"}`, nil))
	require.Equal(t, 200, rec.Code, rec.Body.String())
	resp := decodeResp(t, rec)
	require.NotNil(t, resp.Push)
	accepted := resp.Push.AcceptedCommitSeq
	assert.Equal(t, int64(1), accepted)

	// Pull with a fresh subscription: snapshot bootstrap then caught-up, and
	// the returned cursor covers our own accepted commit.
	env := wire.Envelope{
		ClientID: "c1",
		Pull: &wire.PullRequest{
			LimitCommits: 10,
			Subscriptions: []wire.Subscription{{
				ID: "s1", Table: "tasks",
				Scopes: []string{"project:{project_id}"},
				Params: map[string]string{"project_id": "p1"},
			}},
		},
	}
	rec = postSync(t, router, env)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	resp = decodeResp(t, rec)
	require.NotNil(t, resp.Pull)
	require.NotEmpty(t, resp.Pull.Snapshots)
	assert.Equal(t, accepted, resp.Pull.Snapshots[0].AnchorCommitSeq)
	require.Len(t, resp.Pull.SubscriptionStates, 1)
	assert.True(t, resp.Pull.SubscriptionStates[0].Bootstrap.CaughtUp())
	assert.GreaterOrEqual(t, resp.Pull.Cursor, accepted)
}

func TestSyncIdempotentPushOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	env := pushEnv("c1", "A", "t1", `{"id":"t1","project_id":"p1"}`, nil)

	rec1 := postSync(t, router, env)
	require.Equal(t, 200, rec1.Code)
	rec2 := postSync(t, router, env)
	require.Equal(t, 200, rec2.Code)

	assert.Equal(t,
		decodeResp(t, rec1).Push.AcceptedCommitSeq,
		decodeResp(t, rec2).Push.AcceptedCommitSeq)
}

func TestSyncConflictReturns409WithBody(t *testing.T) {
	router := newTestRouter(t)

	rec := postSync(t, router, pushEnv("c1", "seed", "t1", `{"id":"t1","project_id":"p1"}`, nil))
	require.Equal(t, 200, rec.Code)
	stale := int64(0)
	rec = postSync(t, router, pushEnv("c2", "stale", "t1", `{"id":"t1","project_id":"p1"}`, &stale))
	require.Equal(t, 409, rec.Code)

	var body struct {
		Push *wire.PushResponse `json:"push"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotNil(t, body.Push)
	require.Len(t, body.Push.Conflicts, 1)
	assert.Equal(t, "t1", body.Push.Conflicts[0].RowID)
	assert.Equal(t, int64(1), body.Push.Conflicts[0].ActualRowVersion)
}

func TestSyncSchemaMismatchReturns412(t *testing.T) {
	router := newTestRouter(t)

	env := pushEnv("c1", "A", "t1", `{"id":"t1","project_id":"p1"}`, nil)
	env.Push.SchemaVersion = 99
	rec := postSync(t, router, env)
	assert.Equal(t, 412, rec.Code)
}

func TestSyncRequiresAuth(t *testing.T) {
	router := newTestRouter(t)

	body, _ := json.Marshal(pushEnv("c1", "A", "t1", `{"id":"t1","project_id":"p1"}`, nil))
	req := httptest.NewRequest("POST", "/v1/sync", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, 401, rec.Code)
}

func TestSyncRejectsMismatchedClientIDs(t *testing.T) {
	router := newTestRouter(t)

	env := pushEnv("c1", "A", "t1", `{"id":"t1","project_id":"p1"}`, nil)
	env.Push.ClientID = "someone-else"
	rec := postSync(t, router, env)
	assert.Equal(t, 400, rec.Code)
}
