package commitlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/syncerr"
)

func countUploads(t *testing.T, s *Store, status string) int {
	t.Helper()
	var n int
	err := s.db.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM sync_blob_uploads WHERE status = ?`, status).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestBlobUploadLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.RegisterBlobUpload(ctx, partition, "u1", "sha256:abc", time.Hour))
	assert.Equal(t, 1, countUploads(t, store, BlobPending))

	require.NoError(t, store.CompleteBlobUpload(ctx, "u1", 2048))
	assert.Equal(t, 0, countUploads(t, store, BlobPending))
	assert.Equal(t, 1, countUploads(t, store, BlobComplete))

	var size int64
	require.NoError(t, store.db.QueryRow(ctx,
		`SELECT byte_size FROM sync_blobs WHERE blob_hash = ?`, "sha256:abc").Scan(&size))
	assert.Equal(t, int64(2048), size)

	// Completing twice finds no pending slot.
	err := store.CompleteBlobUpload(ctx, "u1", 2048)
	require.Error(t, err)
	assert.Equal(t, syncerr.NotFound, syncerr.KindOf(err))
}

func TestBlobUploadValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.RegisterBlobUpload(ctx, partition, "", "sha256:abc", time.Hour)
	assert.Equal(t, syncerr.Validation, syncerr.KindOf(err))
	err = store.RegisterBlobUpload(ctx, partition, "u1", "", time.Hour)
	assert.Equal(t, syncerr.Validation, syncerr.KindOf(err))
}

func TestPruneExpiredUploads(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.RegisterBlobUpload(ctx, partition, "old", "sha256:old", time.Minute))
	require.NoError(t, store.RegisterBlobUpload(ctx, partition, "live", "sha256:live", time.Hour))
	require.NoError(t, store.RegisterBlobUpload(ctx, partition, "done", "sha256:done", time.Minute))
	require.NoError(t, store.CompleteBlobUpload(ctx, "done", 1))

	// Sweep as of a point past the short TTL: only the pending expired slot
	// goes; completed uploads are permanent bookkeeping.
	require.NoError(t, store.PruneExpiredUploads(ctx, time.Now().Add(30*time.Minute)))
	assert.Equal(t, 1, countUploads(t, store, BlobPending))
	assert.Equal(t, 1, countUploads(t, store, BlobComplete))
}
