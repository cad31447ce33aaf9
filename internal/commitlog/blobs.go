package commitlog

import (
	"context"
	"time"

	"github.com/driftline/driftline/internal/storage"
	"github.com/driftline/driftline/internal/syncerr"
)

// Blob upload statuses.
const (
	BlobPending  = "pending"
	BlobComplete = "complete"
)

// RegisterBlobUpload records an intent to upload content-addressed data so a
// later commit can reference it by hash. The content store itself is an
// external collaborator; the log only keeps the bookkeeping.
func (s *Store) RegisterBlobUpload(ctx context.Context, partitionID, uploadID, blobHash string, ttl time.Duration) error {
	if uploadID == "" || blobHash == "" {
		return syncerr.New(syncerr.Validation, "blob upload needs an id and a hash")
	}
	err := s.db.Exec(ctx, `
		INSERT INTO sync_blob_uploads (upload_id, partition_id, blob_hash, status, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		uploadID, partitionID, blobHash, BlobPending, time.Now().UTC().Add(ttl))
	if err != nil {
		return syncerr.Wrap(syncerr.Transient, err, "register blob upload")
	}
	return nil
}

// CompleteBlobUpload marks an upload finished and records the blob.
func (s *Store) CompleteBlobUpload(ctx context.Context, uploadID string, byteSize int64) error {
	return s.db.Transact(ctx, func(q storage.Querier) error {
		rows, err := q.Query(ctx,
			`SELECT blob_hash FROM sync_blob_uploads WHERE upload_id = ? AND status = ?`,
			uploadID, BlobPending)
		if err != nil {
			return syncerr.Wrap(syncerr.Transient, err, "look up blob upload")
		}
		var hash string
		found := rows.Next()
		if found {
			if err := rows.Scan(&hash); err != nil {
				rows.Close()
				return syncerr.Wrap(syncerr.Transient, err, "scan blob upload")
			}
		}
		rows.Close()
		if !found {
			return syncerr.New(syncerr.NotFound, "no pending blob upload %q", uploadID)
		}

		err = q.Exec(ctx, `
			INSERT INTO sync_blobs (blob_hash, byte_size) VALUES (?, ?)
			ON CONFLICT (blob_hash) DO NOTHING`, hash, byteSize)
		if err != nil {
			return syncerr.Wrap(syncerr.Transient, err, "record blob")
		}
		err = q.Exec(ctx,
			`UPDATE sync_blob_uploads SET status = ? WHERE upload_id = ?`,
			BlobComplete, uploadID)
		if err != nil {
			return syncerr.Wrap(syncerr.Transient, err, "complete blob upload")
		}
		return nil
	})
}

// PruneExpiredUploads drops pending uploads whose deadline passed.
func (s *Store) PruneExpiredUploads(ctx context.Context, now time.Time) error {
	err := s.db.Exec(ctx,
		`DELETE FROM sync_blob_uploads WHERE status = ? AND expires_at < ?`,
		BlobPending, now.UTC())
	if err != nil {
		return syncerr.Wrap(syncerr.Transient, err, "prune blob uploads")
	}
	return nil
}
