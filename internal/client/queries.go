package client

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/driftline/driftline/internal/storage"
	"github.com/driftline/driftline/internal/syncerr"
)

// Query is a registered live query over the local store. Run returns the
// materialised rows; the registry fingerprints them to decide whether
// listeners need re-rendering.
type Query struct {
	Name     string
	Table    string
	KeyField string
	Run      func(ctx context.Context, q storage.Querier) ([]map[string]any, error)
}

// QueryRegistry tracks live queries and notifies listeners when a query's
// fingerprint changes. Fingerprints live in an LRU so a long-lived process
// with many transient queries keeps a bounded footprint.
type QueryRegistry struct {
	db  *storage.SQLDB
	src TimestampSource

	mu        sync.Mutex
	queries   map[string]Query
	listeners map[string][]chan struct{}
	prints    *lru.Cache[string, string]
}

// NewQueryRegistry builds a registry; cacheSize bounds the fingerprint cache.
func NewQueryRegistry(db *storage.SQLDB, src TimestampSource, cacheSize int) (*QueryRegistry, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	prints, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &QueryRegistry{
		db:        db,
		src:       src,
		queries:   make(map[string]Query),
		listeners: make(map[string][]chan struct{}),
		prints:    prints,
	}, nil
}

// Register adds or replaces a query. The stale fingerprint is dropped so the
// next Refresh always notifies.
func (r *QueryRegistry) Register(q Query) error {
	if q.Name == "" || q.Run == nil {
		return syncerr.New(syncerr.Validation, "query needs a name and a Run func")
	}
	if q.KeyField == "" {
		q.KeyField = DefaultKeyField
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries[q.Name] = q
	r.prints.Remove(q.Name)
	return nil
}

// Unregister removes a query and wakes its listeners one last time.
func (r *QueryRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queries, name)
	r.prints.Remove(name)
	r.notifyLocked(name)
}

// Subscribe returns a channel that receives a tick whenever the named query's
// materialisation changes, and a cancel func.
func (r *QueryRegistry) Subscribe(name string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.listeners[name] = append(r.listeners[name], ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.listeners[name]
		for i, c := range subs {
			if c == ch {
				r.listeners[name] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// Refresh re-runs every registered query and notifies listeners of the ones
// whose fingerprint moved. Call it after each pull apply and after local
// mutations.
func (r *QueryRegistry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	queries := make([]Query, 0, len(r.queries))
	for _, q := range r.queries {
		queries = append(queries, q)
	}
	r.mu.Unlock()

	for _, q := range queries {
		rows, err := q.Run(ctx, r.db)
		if err != nil {
			return err
		}

		if !CanFingerprint(rows, q.KeyField) {
			// No stable identity to diff on: always re-render.
			r.mu.Lock()
			r.prints.Remove(q.Name)
			r.notifyLocked(q.Name)
			r.mu.Unlock()
			continue
		}

		fp := ComputeFingerprint(rows, r.src, q.Table, q.KeyField)
		r.mu.Lock()
		prev, had := r.prints.Get(q.Name)
		if !had || prev != fp {
			r.prints.Add(q.Name, fp)
			r.notifyLocked(q.Name)
		}
		r.mu.Unlock()
	}
	return nil
}

func (r *QueryRegistry) notifyLocked(name string) {
	for _, ch := range r.listeners[name] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
