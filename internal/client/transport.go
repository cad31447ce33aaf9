package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/driftline/driftline/internal/syncerr"
	"github.com/driftline/driftline/internal/wire"
)

// Transport carries one sync envelope to the server and returns its reply.
// The engine never sees HTTP; swapping transports swaps this one method.
type Transport interface {
	Sync(ctx context.Context, env *wire.Envelope) (*wire.Response, error)
}

// HTTPTransport is the default Transport: POST /v1/sync with a bearer token.
type HTTPTransport struct {
	BaseURL    string
	Token      string
	InstanceID string
	Client     *http.Client
}

// NewHTTPTransport builds a transport with a sane request timeout.
func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTransport) Sync(ctx context.Context, env *wire.Envelope) (*wire.Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Fatal, err, "encode envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/v1/sync", bytes.NewReader(body))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Fatal, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	if t.InstanceID != "" {
		req.Header.Set("X-Instance-Id", t.InstanceID)
	}

	httpResp, err := t.Client.Do(req)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Transient, err, "sync request")
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Transient, err, "read response")
	}

	switch httpResp.StatusCode {
	case http.StatusOK, http.StatusConflict:
		// 409 still carries a full response body: the push slice holds the
		// per-row conflicts, and any pull slice is valid.
		var resp wire.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, syncerr.Wrap(syncerr.Transient, err, "decode response")
		}
		return &resp, nil
	default:
		return nil, classifyResponse(httpResp, raw)
	}
}

// classifyResponse turns a non-2xx reply into the matching error kind.
func classifyResponse(httpResp *http.Response, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = fmt.Sprintf("server returned %d", httpResp.StatusCode)
	}

	switch httpResp.StatusCode {
	case http.StatusPreconditionFailed:
		return syncerr.New(syncerr.SchemaMismatch, "%s", msg)
	case http.StatusBadRequest:
		return syncerr.New(syncerr.Validation, "%s", msg)
	case http.StatusNotFound:
		return syncerr.New(syncerr.NotFound, "%s", msg)
	case http.StatusTooManyRequests:
		return syncerr.NewRateLimited(retryAfterHint(httpResp), "%s", msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return syncerr.New(syncerr.Fatal, "%s", msg)
	default:
		// 5xx and anything unrecognised: assume the server will recover.
		return syncerr.New(syncerr.Transient, "%s", msg)
	}
}

// retryAfterHint parses the Retry-After header, 0 when absent or malformed.
func retryAfterHint(httpResp *http.Response) time.Duration {
	secs, err := strconv.Atoi(httpResp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
