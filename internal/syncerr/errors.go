// Package syncerr classifies sync-engine failures into the small set of kinds
// the protocol distinguishes. Every error crossing a package boundary in the
// engine is either one of these kinds or gets wrapped into one at the edge.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/driftline/driftline/internal/wire"
)

// Kind is the failure class. It decides retryability and the HTTP status the
// transport maps the error to.
type Kind int

const (
	// Transient covers temporary network or database failures. Retryable.
	Transient Kind = iota
	// Conflict means a row's base_version no longer matched. The client must
	// rebase; the engine never auto-resolves.
	Conflict
	// SchemaMismatch means the client's schemaVersion is not what the server
	// expects. The client engine halts its loops on this.
	SchemaMismatch
	// Validation covers malformed operations, duplicate rows in a commit, and
	// unknown scope patterns. Not retried.
	Validation
	// NotFound covers pulls referencing unknown subscriptions.
	NotFound
	// RateLimited maps to 429; the client backs off per the server hint
	// without counting an attempt.
	RateLimited
	// Fatal marks an invariant violation. The engine enters a halted state.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Conflict:
		return "conflict"
	case SchemaMismatch:
		return "schema_mismatch"
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case RateLimited:
		return "rate_limited"
	default:
		return "fatal"
	}
}

// Retryable reports whether a caller may retry the failed call as-is.
func (k Kind) Retryable() bool {
	return k == Transient || k == RateLimited
}

// HTTPStatus is the transport mapping for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case Transient:
		return http.StatusServiceUnavailable
	case Conflict:
		return http.StatusConflict
	case SchemaMismatch:
		return http.StatusPreconditionFailed
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified sync error. Conflicts additionally carry the per-row
// conflict list so the transport can serialize it into the 409 body;
// RateLimited errors carry the server's Retry-After hint.
type Error struct {
	Kind       Kind
	Conflicts  []wire.Conflict
	RetryAfter time.Duration
	msg        string
	wrapped    error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return e.msg + ": " + e.wrapped.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, wrapped: err}
}

// NewRateLimited creates a RateLimited error carrying the server's wait hint
// (zero when the server gave none).
func NewRateLimited(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: RateLimited, RetryAfter: retryAfter, msg: fmt.Sprintf(format, args...)}
}

// NewConflict creates a Conflict error carrying the rejected rows.
func NewConflict(conflicts []wire.Conflict) *Error {
	return &Error{
		Kind:      Conflict,
		Conflicts: conflicts,
		msg:       fmt.Sprintf("commit rejected: %d conflicting row(s)", len(conflicts)),
	}
}

// KindOf extracts the kind of err. Unclassified errors are treated as
// Transient so callers err on the side of retrying infrastructure failures.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Transient
}

// RetryAfterOf returns the server's wait hint if err carries one, else 0.
func RetryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// ConflictsOf returns the conflict list if err is a Conflict, else nil.
func ConflictsOf(err error) []wire.Conflict {
	var se *Error
	if errors.As(err, &se) && se.Kind == Conflict {
		return se.Conflicts
	}
	return nil
}

// IsRetryable reports whether err's kind permits a retry.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
