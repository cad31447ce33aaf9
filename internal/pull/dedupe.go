package pull

import (
	"encoding/json"

	"github.com/driftline/driftline/internal/wire"
)

type rowKey struct {
	table string
	rowID string
}

// dedupe enforces the at-most-once-per-row shape of a response: across all
// subscriptions a (table, row_id) appears once. A snapshot row is always at
// least as fresh as any change co-present for the same key, so it wins;
// among changes the highest row_version wins.
func dedupe(resp *wire.PullResponse) {
	inSnapshot := make(map[rowKey]struct{})
	for si := range resp.Snapshots {
		snap := &resp.Snapshots[si]
		kept := snap.Rows[:0]
		for _, row := range snap.Rows {
			id, ok := rowIDOf(row)
			if !ok {
				kept = append(kept, row)
				continue
			}
			k := rowKey{table: snap.Table, rowID: id}
			if _, dup := inSnapshot[k]; dup {
				continue
			}
			inSnapshot[k] = struct{}{}
			kept = append(kept, row)
		}
		snap.Rows = kept
	}

	best := make(map[rowKey]int, len(resp.Changes))
	for i, ch := range resp.Changes {
		k := rowKey{table: ch.Table, rowID: ch.RowID}
		if _, shadowed := inSnapshot[k]; shadowed {
			continue
		}
		if j, seen := best[k]; !seen || ch.RowVersion > resp.Changes[j].RowVersion {
			best[k] = i
		}
	}

	kept := resp.Changes[:0]
	for i, ch := range resp.Changes {
		k := rowKey{table: ch.Table, rowID: ch.RowID}
		if j, ok := best[k]; ok && j == i {
			kept = append(kept, ch)
		}
	}
	resp.Changes = kept
}

// rowIDOf extracts the "id" field of a snapshot row payload.
func rowIDOf(row []byte) (string, bool) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(row, &probe); err != nil || probe.ID == "" {
		return "", false
	}
	return probe.ID, true
}
