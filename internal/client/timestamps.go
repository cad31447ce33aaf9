package client

import (
	"sync"
	"time"
)

// mutationTimestamps records when this process last locally mutated each
// row. Deliberately volatile: a restart resets it to "no local mutations",
// which is correct because pending outbox entries re-stamp on flush.
type mutationTimestamps struct {
	mu sync.RWMutex
	m  map[tsKey]int64
}

type tsKey struct {
	table string
	rowID string
}

func newMutationTimestamps() *mutationTimestamps {
	return &mutationTimestamps{m: make(map[tsKey]int64)}
}

func (t *mutationTimestamps) stamp(table, rowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[tsKey{table, rowID}] = time.Now().UTC().UnixMilli()
}

// get returns 0 for rows never mutated locally.
func (t *mutationTimestamps) get(table, rowID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[tsKey{table, rowID}]
}

func (t *mutationTimestamps) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m = make(map[tsKey]int64)
}
