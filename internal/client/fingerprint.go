package client

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultKeyField is the row field fingerprints key on unless a query
// declares another.
const DefaultKeyField = "id"

// TimestampSource yields the last local-mutation time of a row, 0 if the row
// was never mutated locally in this process.
type TimestampSource interface {
	GetMutationTimestamp(table, rowID string) int64
}

// CanFingerprint reports whether rows can be fingerprinted: every row must
// carry the key field. The empty set can always be fingerprinted.
func CanFingerprint(rows []map[string]any, keyField string) bool {
	for _, row := range rows {
		if _, ok := row[keyField]; !ok {
			return false
		}
	}
	return true
}

// ComputeFingerprint digests a query result's identity and staleness into
// "<n>:<k1>@<ts1>,<k2>@<ts2>,...". Two queries with equal fingerprints have
// identical materialisations as far as the engine knows. The digest is
// order-sensitive: results that differ only in ordering fingerprint
// differently, because ordering is part of a query's materialisation.
func ComputeFingerprint(rows []map[string]any, src TimestampSource, table, keyField string) string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(len(rows)))
	sb.WriteString(":")
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		key := coerceKey(row[keyField])
		sb.WriteString(key)
		sb.WriteString("@")
		sb.WriteString(strconv.FormatInt(src.GetMutationTimestamp(table, key), 10))
	}
	return sb.String()
}

// coerceKey renders a key value for the digest; nil becomes the empty
// string.
func coerceKey(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
