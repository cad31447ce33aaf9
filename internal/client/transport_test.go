package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/syncerr"
	"github.com/driftline/driftline/internal/wire"
)

// statusServer answers every sync request with a fixed status and headers.
func statusServer(t *testing.T, status int, headers map[string]string, body string) *HTTPTransport {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return NewHTTPTransport(ts.URL, "")
}

func TestTransportCarriesRetryAfterHint(t *testing.T) {
	tr := statusServer(t, http.StatusTooManyRequests,
		map[string]string{"Retry-After": "7"}, `{"error":"rate limit exceeded"}`)

	_, err := tr.Sync(context.Background(), &wire.Envelope{ClientID: "c1"})
	require.Error(t, err)
	assert.Equal(t, syncerr.RateLimited, syncerr.KindOf(err))
	assert.Equal(t, 7*time.Second, syncerr.RetryAfterOf(err))
}

func TestTransportRateLimitWithoutHint(t *testing.T) {
	tr := statusServer(t, http.StatusTooManyRequests, nil, `{"error":"rate limit exceeded"}`)

	_, err := tr.Sync(context.Background(), &wire.Envelope{ClientID: "c1"})
	require.Error(t, err)
	assert.Equal(t, syncerr.RateLimited, syncerr.KindOf(err))
	assert.Zero(t, syncerr.RetryAfterOf(err))
}

func TestTransportStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   syncerr.Kind
	}{
		{http.StatusPreconditionFailed, syncerr.SchemaMismatch},
		{http.StatusBadRequest, syncerr.Validation},
		{http.StatusNotFound, syncerr.NotFound},
		{http.StatusUnauthorized, syncerr.Fatal},
		{http.StatusInternalServerError, syncerr.Transient},
		{http.StatusServiceUnavailable, syncerr.Transient},
	}
	for _, tc := range cases {
		tr := statusServer(t, tc.status, nil, "")
		_, err := tr.Sync(context.Background(), &wire.Envelope{ClientID: "c1"})
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.kind, syncerr.KindOf(err), "status %d", tc.status)
	}
}

func TestRetryDelayPrefersServerHint(t *testing.T) {
	bo := backoff.NewConstantBackOff(time.Second)

	hinted := syncerr.NewRateLimited(9*time.Second, "slow down")
	assert.Equal(t, 9*time.Second, retryDelay(hinted, bo))

	plain := syncerr.New(syncerr.Transient, "connection reset")
	assert.Equal(t, time.Second, retryDelay(plain, bo))
}
