// Package wire defines the request/response envelope shared by the server
// transport and the client engine. The envelope is transport-agnostic: the
// same shapes ride over HTTP today and could ride over a WebSocket or a
// Durable Object fetch without change.
package wire

import "encoding/json"

// Op kinds carried inside a push.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Bootstrap phases for a subscription.
const (
	PhasePendingSnapshot    = "pending-snapshot"
	PhaseSnapshotInProgress = "snapshot-in-progress"
	PhaseCaughtUp           = "caught-up"
)

// Envelope is the combined request: a client may push, pull, or both in a
// single round-trip. Push is applied before pull so a client's own commit is
// visible in the pull slice of the same envelope.
type Envelope struct {
	ClientID    string       `json:"clientId"`
	PartitionID string       `json:"partitionId,omitempty"`
	Push        *PushRequest `json:"push,omitempty"`
	Pull        *PullRequest `json:"pull,omitempty"`
}

// PushRequest proposes one client commit.
type PushRequest struct {
	ClientID       string `json:"clientId"`
	ClientCommitID string `json:"clientCommitId"`
	Operations     []Op   `json:"operations"`
	SchemaVersion  int    `json:"schemaVersion"`
}

// Op is a single row operation inside a proposed commit. BaseVersion carries
// the row version the client last observed; nil means "no expectation" and
// bypasses the optimistic-concurrency check.
type Op struct {
	Table       string          `json:"table"`
	RowID       string          `json:"row_id"`
	Op          string          `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	BaseVersion *int64          `json:"base_version"`
}

// PullRequest asks for the next slice of the log for a set of subscriptions.
type PullRequest struct {
	ClientID          string         `json:"clientId"`
	PartitionID       string         `json:"partitionId"`
	Subscriptions     []Subscription `json:"subscriptions"`
	LimitCommits      int            `json:"limitCommits"`
	LimitSnapshotRows int            `json:"limitSnapshotRows,omitempty"`
	MaxSnapshotPages  int            `json:"maxSnapshotPages,omitempty"`
	DedupeRows        bool           `json:"dedupeRows,omitempty"`
	// ConnectionMode and ActivityState describe how the client is connected
	// ("sse", "poll") and whether its user is active; the server records them
	// alongside the cursor for operational visibility.
	ConnectionMode string `json:"connectionMode,omitempty"`
	ActivityState  string `json:"activityState,omitempty"`
}

// Subscription declares interest in rows of one table matching scope patterns.
// Params bind pattern parameters to literal values; a missing binding is a
// wildcard. Bootstrap is nil for a brand-new subscription.
type Subscription struct {
	ID        string            `json:"id"`
	Table     string            `json:"table"`
	Scopes    []string          `json:"scopes"`
	Params    map[string]string `json:"params,omitempty"`
	Cursor    int64             `json:"cursor"`
	Bootstrap *BootstrapState   `json:"bootstrapState"`
}

// BootstrapState tracks where a subscription is in its snapshot bootstrap.
// Page counts delivered snapshot pages; AnchorCommitSeq is the log head
// sampled when the snapshot began and delimits snapshot rows from tail
// changes.
type BootstrapState struct {
	Phase           string `json:"phase"`
	Page            int    `json:"page,omitempty"`
	AnchorCommitSeq int64  `json:"anchorCommitSeq,omitempty"`
	// LastRowID is the keyset-pagination marker: the highest (table, row_id)
	// delivered so far within the current snapshot.
	LastRowID string `json:"lastRowId,omitempty"`
}

// CaughtUp reports whether the subscription has completed its bootstrap.
func (b *BootstrapState) CaughtUp() bool {
	return b != nil && b.Phase == PhaseCaughtUp
}

// Response is the combined reply.
type Response struct {
	Push *PushResponse `json:"push,omitempty"`
	Pull *PullResponse `json:"pull,omitempty"`
}

// PushResponse acknowledges an accepted commit or reports the conflicts that
// rejected it. Conflicts and acceptance are mutually exclusive: commits are
// atomic.
type PushResponse struct {
	AcceptedCommitSeq int64      `json:"acceptedCommitSeq,omitempty"`
	Conflicts         []Conflict `json:"conflicts,omitempty"`
}

// Conflict reports one row whose base_version no longer matches the server.
type Conflict struct {
	RowID               string `json:"row_id"`
	ExpectedBaseVersion int64  `json:"expected_base_version"`
	ActualRowVersion    int64  `json:"actual_row_version"`
}

// PullResponse carries snapshot pages and/or tail changes plus the advanced
// cursor. More=true means a bound was hit and the client should pull again
// immediately.
type PullResponse struct {
	Snapshots          []Snapshot          `json:"snapshots"`
	Changes            []Change            `json:"changes"`
	Cursor             int64               `json:"cursor"`
	SubscriptionStates []SubscriptionState `json:"subscriptionStates"`
	More               bool                `json:"more"`
}

// Snapshot is one page of authoritative rows for one subscription.
type Snapshot struct {
	Table           string            `json:"table"`
	Rows            []json.RawMessage `json:"rows"`
	IsFirstPage     bool              `json:"isFirstPage"`
	IsLastPage      bool              `json:"isLastPage"`
	SubscriptionID  string            `json:"subscriptionId"`
	AnchorCommitSeq int64             `json:"anchorCommitSeq"`
}

// Change is one operation of one committed server commit.
type Change struct {
	CommitSeq   int64           `json:"commit_seq"`
	SeqInCommit int             `json:"seq_in_commit"`
	Table       string          `json:"table"`
	RowID       string          `json:"row_id"`
	Op          string          `json:"op"`
	RowJSON     json.RawMessage `json:"row_json"`
	RowVersion  int64           `json:"row_version"`
	ScopeKeys   []string        `json:"scope_keys"`
}

// SubscriptionState echoes back the post-pull bootstrap state so the client
// can persist it before the next round-trip.
type SubscriptionState struct {
	ID        string          `json:"id"`
	Bootstrap *BootstrapState `json:"bootstrapState"`
}

// Event is the advisory realtime notification emitted after a commit lands.
// It is never authoritative; correctness always comes from pull.
type Event struct {
	Type             string   `json:"type"`
	CommitSeq        int64    `json:"commitSeq"`
	PartitionID      string   `json:"partitionId,omitempty"`
	ScopeKeys        []string `json:"scopeKeys,omitempty"`
	SourceInstanceID string   `json:"sourceInstanceId,omitempty"`
}
