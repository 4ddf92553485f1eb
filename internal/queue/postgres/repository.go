// Package postgres provides the PostgreSQL implementation of the queue
// repository.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskgarden/mailqueue/internal/queue"
)

const itemColumns = `
	id, notification_id, user_id, recipient, recipient_name, event_type,
	title, detail, subject, body, status, batch_key, batch_until,
	scheduled_for, attempts, max_attempts, last_error, provider_message_id,
	created_at, updated_at, sent_at, expired_at`

// Repository implements queue.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert persists a newly enqueued item.
func (r *Repository) Insert(ctx context.Context, item *queue.Item) error {
	query := `
		INSERT INTO queue_items
			(id, notification_id, user_id, recipient, recipient_name, event_type,
			 title, detail, subject, body, status, batch_key, batch_until,
			 scheduled_for, attempts, max_attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
	`
	_, err := r.db.Exec(ctx, query,
		item.ID,
		item.NotificationID,
		item.UserID,
		item.Recipient,
		item.RecipientName,
		item.EventType,
		item.Title,
		item.Detail,
		item.Subject,
		item.Body,
		item.Status,
		item.BatchKey,
		item.BatchUntil,
		item.ScheduledFor,
		item.Attempts,
		item.MaxAttempts,
		item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// FetchDuePending returns pending items due for delivery, oldest first.
func (r *Repository) FetchDuePending(ctx context.Context, now time.Time, limit int) ([]*queue.Item, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM queue_items
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY created_at
		LIMIT $2
	`, itemColumns)

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due pending: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// FetchDueBatched returns batched items whose batch window has closed,
// oldest first.
func (r *Repository) FetchDueBatched(ctx context.Context, now time.Time, limit int) ([]*queue.Item, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM queue_items
		WHERE status = 'batched' AND batch_until <= $1
		ORDER BY created_at
		LIMIT $2
	`, itemColumns)

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due batched: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Claim atomically moves an item from pending to processing. The WHERE
// clause on the stored status is the compare-and-set: if another processor
// got there first, zero rows are affected and the claim is lost.
func (r *Repository) Claim(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE queue_items
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim item: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkSent records a successful delivery.
func (r *Repository) MarkSent(ctx context.Context, id, providerMsgID string, sentAt time.Time) error {
	query := `
		UPDATE queue_items
		SET status = 'sent', provider_message_id = $2, sent_at = $3,
		    last_error = '', updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, providerMsgID, sentAt)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrItemNotFound
	}
	return nil
}

// MarkFailed terminates an item after its attempts are exhausted.
func (r *Repository) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	query := `
		UPDATE queue_items
		SET status = 'failed', attempts = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrItemNotFound
	}
	return nil
}

// ReleaseForRetry returns a processing item to pending for a later cycle.
func (r *Repository) ReleaseForRetry(ctx context.Context, id string, attempts int, lastErr string) error {
	query := `
		UPDATE queue_items
		SET status = 'pending', attempts = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("release for retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrItemNotFound
	}
	return nil
}

// InsertDigest inserts the digest item and marks every member sent in one
// transaction, so a group either consolidates completely or not at all.
func (r *Repository) InsertDigest(ctx context.Context, digest *queue.Item, memberIDs []string, sentAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	insertQuery := `
		INSERT INTO queue_items
			(id, notification_id, user_id, recipient, recipient_name, event_type,
			 title, detail, subject, body, status, scheduled_for, attempts,
			 max_attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
	`
	_, err = tx.Exec(ctx, insertQuery,
		digest.ID,
		digest.NotificationID,
		digest.UserID,
		digest.Recipient,
		digest.RecipientName,
		digest.EventType,
		digest.Title,
		digest.Detail,
		digest.Subject,
		digest.Body,
		digest.Status,
		digest.ScheduledFor,
		digest.Attempts,
		digest.MaxAttempts,
		digest.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert digest: %w", err)
	}

	// Members are logically complete: their content is subsumed by the
	// digest, they are not sent individually.
	subsumeQuery := `
		UPDATE queue_items
		SET status = 'sent', sent_at = $2, updated_at = NOW()
		WHERE id = ANY($1) AND status = 'batched'
	`
	result, err := tx.Exec(ctx, subsumeQuery, memberIDs, sentAt)
	if err != nil {
		return fmt.Errorf("subsume batch members: %w", err)
	}
	if result.RowsAffected() != int64(len(memberIDs)) {
		return fmt.Errorf("subsume batch members: %d of %d rows updated",
			result.RowsAffected(), len(memberIDs))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ExpireOlderThan moves stale pending and batched items to expired.
func (r *Repository) ExpireOlderThan(ctx context.Context, cutoff, expiredAt time.Time) (int64, error) {
	query := `
		UPDATE queue_items
		SET status = 'expired', expired_at = $2, updated_at = NOW()
		WHERE status IN ('pending', 'batched') AND created_at < $1
	`
	result, err := r.db.Exec(ctx, query, cutoff, expiredAt)
	if err != nil {
		return 0, fmt.Errorf("expire items: %w", err)
	}
	return result.RowsAffected(), nil
}

// ReleaseStuckProcessing returns items stranded in processing to pending.
func (r *Repository) ReleaseStuckProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE queue_items
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`
	result, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stuck processing: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteSentBefore removes delivered items older than cutoff.
func (r *Repository) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(ctx,
		`DELETE FROM queue_items WHERE status = 'sent' AND sent_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old sent items: %w", err)
	}
	return result.RowsAffected(), nil
}

// AcknowledgeNotification records delivery on the originating record.
func (r *Repository) AcknowledgeNotification(ctx context.Context, notificationID, providerMsgID string, sentAt time.Time) error {
	query := `
		UPDATE notifications
		SET emailed_at = $2, email_message_id = $3
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, notificationID, sentAt, providerMsgID)
	if err != nil {
		return fmt.Errorf("acknowledge notification: %w", err)
	}
	return nil
}

// GetStats returns per-status item counts.
func (r *Repository) GetStats(ctx context.Context) (*queue.Stats, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	defer rows.Close()

	var stats queue.Stats
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch queue.Status(status) {
		case queue.StatusPending:
			stats.Pending = count
		case queue.StatusBatched:
			stats.Batched = count
		case queue.StatusProcessing:
			stats.Processing = count
		case queue.StatusSent:
			stats.Sent = count
		case queue.StatusFailed:
			stats.Failed = count
		case queue.StatusExpired:
			stats.Expired = count
		}
	}
	return &stats, rows.Err()
}

func scanItems(rows pgx.Rows) ([]*queue.Item, error) {
	items := make([]*queue.Item, 0)
	for rows.Next() {
		var item queue.Item
		err := rows.Scan(
			&item.ID,
			&item.NotificationID,
			&item.UserID,
			&item.Recipient,
			&item.RecipientName,
			&item.EventType,
			&item.Title,
			&item.Detail,
			&item.Subject,
			&item.Body,
			&item.Status,
			&item.BatchKey,
			&item.BatchUntil,
			&item.ScheduledFor,
			&item.Attempts,
			&item.MaxAttempts,
			&item.LastError,
			&item.ProviderMsgID,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.SentAt,
			&item.ExpiredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}
