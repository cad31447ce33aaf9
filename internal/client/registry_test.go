package client

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRegistryRunsOnce(t *testing.T) {
	reg := NewInitRegistry()
	var calls atomic.Int32

	var wg sync.WaitGroup
	results := make([]any, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := reg.Run("db", func() (any, error) {
				calls.Add(1)
				return "handle", nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "handle", v)
	}
}

func TestInitRegistryEvictsFailedInit(t *testing.T) {
	reg := NewInitRegistry()
	var calls atomic.Int32

	_, err := reg.Run("db", func() (any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	// A rejected init must not be cached: the next caller retries.
	v, err := reg.Run("db", func() (any, error) {
		calls.Add(1)
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(2), calls.Load())

	// And the success is cached.
	v, err = reg.Run("db", func() (any, error) {
		calls.Add(1)
		return 99, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInitRegistryKeysAreIndependent(t *testing.T) {
	reg := NewInitRegistry()

	a, err := reg.Run("a", func() (any, error) { return "A", nil })
	require.NoError(t, err)
	b, err := reg.Run("b", func() (any, error) { return "B", nil })
	require.NoError(t, err)

	assert.Equal(t, "A", a)
	assert.Equal(t, "B", b)
}

func TestInitRegistryInvalidate(t *testing.T) {
	reg := NewInitRegistry()

	v, err := reg.Run("k", func() (any, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	reg.Invalidate("k")
	v, err = reg.Run("k", func() (any, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
