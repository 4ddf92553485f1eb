package queue

import (
	"context"
	"time"
)

// Repository defines the narrow operation set the queue mutates state through.
// All mutation is either a single-row conditional update or a bulk predicate
// update; InsertDigest is the one multi-row operation and must be atomic.
type Repository interface {
	// Insert persists a newly enqueued item.
	Insert(ctx context.Context, item *Item) error

	// FetchDuePending returns pending items with scheduled_for <= now,
	// ordered by created_at ascending, capped at limit.
	FetchDuePending(ctx context.Context, now time.Time, limit int) ([]*Item, error)

	// FetchDueBatched returns batched items with batch_until <= now,
	// ordered by created_at ascending, capped at limit.
	FetchDueBatched(ctx context.Context, now time.Time, limit int) ([]*Item, error)

	// Claim atomically moves an item from pending to processing.
	// Returns false if the item was no longer pending.
	Claim(ctx context.Context, id string) (bool, error)

	// MarkSent records a successful delivery on a processing item.
	MarkSent(ctx context.Context, id, providerMsgID string, sentAt time.Time) error

	// MarkFailed terminates a processing item after its attempts are exhausted.
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error

	// ReleaseForRetry returns a processing item to pending with the attempt
	// counter incremented and the error recorded.
	ReleaseForRetry(ctx context.Context, id string, attempts int, lastErr string) error

	// InsertDigest inserts one pending digest item and marks all member items
	// sent in a single atomic operation. Either everything commits or nothing.
	InsertDigest(ctx context.Context, digest *Item, memberIDs []string, sentAt time.Time) error

	// ExpireOlderThan moves pending and batched items created before cutoff
	// to expired and returns the number of rows affected.
	ExpireOlderThan(ctx context.Context, cutoff, expiredAt time.Time) (int64, error)

	// ReleaseStuckProcessing returns items stranded in processing since before
	// cutoff back to pending. Covers a process that crashed mid-claim.
	ReleaseStuckProcessing(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteSentBefore removes sent items older than cutoff.
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// AcknowledgeNotification records delivery on the originating record.
	// Best-effort: failures are logged by the caller, never rolled back.
	AcknowledgeNotification(ctx context.Context, notificationID, providerMsgID string, sentAt time.Time) error

	// GetStats returns per-status item counts.
	GetStats(ctx context.Context) (*Stats, error)
}
