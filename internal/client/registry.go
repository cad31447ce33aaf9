package client

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// InitRegistry runs initializers at most once per key and caches the result.
// Concurrent callers of the same key share one in-flight call; a failed
// initializer is evicted so the next caller retries. This is what guarantees
// exactly one database open / migrate / handler wire-up per client id.
type InitRegistry struct {
	group singleflight.Group

	mu   sync.Mutex
	done map[string]any
}

// NewInitRegistry creates an empty registry.
func NewInitRegistry() *InitRegistry {
	return &InitRegistry{done: make(map[string]any)}
}

// Run returns the cached value for key, or runs init exactly once to produce
// it. All concurrent callers with the same key receive the same value.
func (r *InitRegistry) Run(key string, init func() (any, error)) (any, error) {
	r.mu.Lock()
	if v, ok := r.done[key]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(key, func() (any, error) {
		v, err := init()
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.done[key] = v
		r.mu.Unlock()
		return v, nil
	})
	if err != nil {
		// Rejection evicts: the next caller gets a fresh attempt.
		r.group.Forget(key)
		return nil, err
	}
	return v, nil
}

// Invalidate evicts key so the next Run re-initializes.
func (r *InitRegistry) Invalidate(key string) {
	r.mu.Lock()
	delete(r.done, key)
	r.mu.Unlock()
	r.group.Forget(key)
}

// defaultInits backs the package-level helpers; one shared registry per
// process matches one database handle per client id.
var defaultInits = NewInitRegistry()
