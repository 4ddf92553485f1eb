package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskgarden/mailqueue/internal/mail"
	"github.com/taskgarden/mailqueue/internal/render"
	"github.com/taskgarden/mailqueue/internal/unsubscribe"
)

// ProcessorConfig contains processing cycle configuration.
type ProcessorConfig struct {
	// BatchSize caps how many pending items one cycle attempts to deliver.
	BatchSize int
	// ConsolidateSize caps how many due batched items one cycle fetches.
	ConsolidateSize int
	// RetentionWindow is how long pending and batched items may wait before
	// the expiry sweep gives up on them.
	RetentionWindow time.Duration
	// StuckAfter is how long an item may sit in processing before it is
	// released back to pending. Covers a process that died mid-claim.
	StuckAfter time.Duration
	// SentRetention is how long sent items are kept before cleanup.
	SentRetention time.Duration
	// CleanupEvery runs the sent-item cleanup once per this many cycles.
	CleanupEvery int
}

// DefaultProcessorConfig returns default processing configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:       100,
		ConsolidateSize: 100,
		RetentionWindow: 24 * time.Hour,
		StuckAfter:      10 * time.Minute,
		SentRetention:   30 * 24 * time.Hour,
		CleanupEvery:    60,
	}
}

// CycleStats summarizes one processing cycle.
type CycleStats struct {
	Recovered    int64
	Expired      int64
	Digests      int
	GroupsFailed int
	Delivered    int
	Retried      int
	Failed       int
	Skipped      int
}

// Processor runs one full expire, consolidate, deliver cycle. It is the only
// writer of queue item status transitions.
type Processor struct {
	config    ProcessorConfig
	repo      Repository
	renderer  *render.Renderer
	transport mail.Transport
	unsub     *unsubscribe.Manager

	now    func() time.Time
	cycles int
}

// NewProcessor creates a queue processor. unsub may be nil.
func NewProcessor(config ProcessorConfig, repo Repository, renderer *render.Renderer, transport mail.Transport, unsub *unsubscribe.Manager) *Processor {
	return &Processor{
		config:    config,
		repo:      repo,
		renderer:  renderer,
		transport: transport,
		unsub:     unsub,
		now:       time.Now,
	}
}

// RunCycle executes one processing cycle. Store unavailability aborts the
// cycle early; every phase is idempotent, so the next tick redoes the work
// safely. Item and group level failures are contained within their phase.
func (p *Processor) RunCycle(ctx context.Context) (CycleStats, error) {
	start := p.now()
	var stats CycleStats

	recovered, err := p.repo.ReleaseStuckProcessing(ctx, start.Add(-p.config.StuckAfter).UTC())
	if err != nil {
		return stats, fmt.Errorf("release stuck processing: %w", err)
	}
	stats.Recovered = recovered
	if recovered > 0 {
		slog.Warn("released stuck processing items", "count", recovered)
	}

	expired, err := p.expire(ctx, start)
	if err != nil {
		return stats, err
	}
	stats.Expired = expired

	if err := p.consolidate(ctx, start, &stats); err != nil {
		return stats, err
	}

	if err := p.deliver(ctx, start, &stats); err != nil {
		return stats, err
	}

	p.cycles++
	if p.config.CleanupEvery > 0 && p.cycles%p.config.CleanupEvery == 0 {
		p.cleanup(ctx, start)
	}

	recordCycle(time.Since(start))
	slog.Debug("processing cycle complete",
		"expired", stats.Expired,
		"digests", stats.Digests,
		"delivered", stats.Delivered,
		"retried", stats.Retried,
		"failed", stats.Failed,
		"duration", time.Since(start),
	)

	return stats, nil
}

// expire moves pending and batched items past the retention window to
// expired. This is a backstop against unbounded backlog, not a deadline: an
// item claimed moments before the sweep simply proceeds to deliver.
func (p *Processor) expire(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-p.config.RetentionWindow).UTC()

	expired, err := p.repo.ExpireOlderThan(ctx, cutoff, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire stale items: %w", err)
	}

	if expired > 0 {
		recordExpired(expired)
		slog.Info("expired stale queue items", "count", expired, "cutoff", cutoff)
	}

	return expired, nil
}

// consolidate folds due batched items into one pending digest per batch key.
// Groups are independent: a failure while rendering or inserting one group's
// digest leaves its members batched and moves on to the next group.
func (p *Processor) consolidate(ctx context.Context, now time.Time, stats *CycleStats) error {
	items, err := p.repo.FetchDueBatched(ctx, now.UTC(), p.config.ConsolidateSize)
	if err != nil {
		return fmt.Errorf("fetch due batched: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	// Items arrive ordered by created_at, so first-seen group order is
	// earliest-member order.
	groups := make(map[string][]*Item)
	var order []string
	for _, item := range items {
		key := item.BatchKey
		if key == "" {
			// Defensive: a batched item without a key becomes its own group.
			key = item.ID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}

	for _, key := range order {
		members := groups[key]
		if err := p.consolidateGroup(ctx, now, key, members); err != nil {
			stats.GroupsFailed++
			recordDigest("error")
			slog.Error("failed to consolidate batch group",
				"batch_key", key,
				"members", len(members),
				"error", err,
			)
			continue
		}
		stats.Digests++
		recordDigest("ok")
	}

	return nil
}

// consolidateGroup renders one digest for a group and commits it together
// with the members' transition to sent.
func (p *Processor) consolidateGroup(ctx context.Context, now time.Time, key string, members []*Item) error {
	first := members[0]

	entries := make([]render.Entry, len(members))
	memberIDs := make([]string, len(members))
	for i, m := range members {
		entries[i] = render.Entry{
			Title:     m.Title,
			Detail:    m.Detail,
			CreatedAt: m.CreatedAt,
		}
		memberIDs[i] = m.ID
	}

	subject, body, err := p.renderer.RenderDigest(first.EventType, render.DigestData{
		RecipientName:  first.RecipientName,
		Entries:        entries,
		Total:          len(entries),
		UnsubscribeURL: p.digestUnsubscribeURL(ctx, first),
	})
	if err != nil {
		return fmt.Errorf("render digest: %w", err)
	}

	digest := &Item{
		ID:            uuid.NewString(),
		UserID:        first.UserID,
		Recipient:     first.Recipient,
		RecipientName: first.RecipientName,
		EventType:     first.EventType,
		Subject:       subject,
		Body:          body,
		Status:        StatusPending,
		ScheduledFor:  now.UTC(),
		MaxAttempts:   first.MaxAttempts,
		CreatedAt:     now.UTC(),
	}

	if err := p.repo.InsertDigest(ctx, digest, memberIDs, now.UTC()); err != nil {
		return fmt.Errorf("insert digest: %w", err)
	}

	slog.Info("batch group consolidated",
		"batch_key", key,
		"members", len(members),
		"digest_id", digest.ID,
	)

	return nil
}

// deliver attempts due pending items in FIFO order. The conditional claim is
// the sole cross-process safety mechanism: losing the claim means another
// processor owns the item, so it is skipped without error.
func (p *Processor) deliver(ctx context.Context, now time.Time, stats *CycleStats) error {
	items, err := p.repo.FetchDuePending(ctx, now.UTC(), p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch due pending: %w", err)
	}

	for _, item := range items {
		p.deliverItem(ctx, item, stats)
	}

	return nil
}

func (p *Processor) deliverItem(ctx context.Context, item *Item, stats *CycleStats) {
	claimed, err := p.repo.Claim(ctx, item.ID)
	if err != nil {
		slog.Error("failed to claim item", "item_id", item.ID, "error", err)
		stats.Skipped++
		return
	}
	if !claimed {
		slog.Debug("item claimed elsewhere, skipping", "item_id", item.ID)
		stats.Skipped++
		recordDelivery("skipped")
		return
	}

	start := p.now()
	providerMsgID, err := p.transport.Send(ctx, mail.Message{
		To:      item.Recipient,
		Subject: item.Subject,
		Body:    item.Body,
	})
	recordSendDuration(time.Since(start))

	if err != nil {
		p.handleSendError(ctx, item, err, stats)
		return
	}

	sentAt := p.now().UTC()
	if err := p.repo.MarkSent(ctx, item.ID, providerMsgID, sentAt); err != nil {
		slog.Error("failed to mark as sent", "item_id", item.ID, "error", err)
		return
	}

	stats.Delivered++
	recordDelivery("sent")

	// Best-effort acknowledgment on the originating record. Its failure
	// never rolls back the sent transition.
	if item.NotificationID != "" {
		if err := p.repo.AcknowledgeNotification(ctx, item.NotificationID, providerMsgID, sentAt); err != nil {
			slog.Warn("failed to acknowledge originating notification",
				"item_id", item.ID,
				"notification_id", item.NotificationID,
				"error", err,
			)
		}
	}

	slog.Debug("notification delivered",
		"item_id", item.ID,
		"provider_message_id", providerMsgID,
	)
}

func (p *Processor) handleSendError(ctx context.Context, item *Item, sendErr error, stats *CycleStats) {
	attempts := item.Attempts + 1

	slog.Warn("send failed",
		"item_id", item.ID,
		"attempt", attempts,
		"max_attempts", item.MaxAttempts,
		"error", sendErr,
	)

	if attempts >= item.MaxAttempts || !mail.IsRetryable(sendErr) {
		if err := p.repo.MarkFailed(ctx, item.ID, attempts, sendErr.Error()); err != nil {
			slog.Error("failed to mark as failed", "item_id", item.ID, "error", err)
		}
		stats.Failed++
		recordDelivery("failed")
		return
	}

	if err := p.repo.ReleaseForRetry(ctx, item.ID, attempts, sendErr.Error()); err != nil {
		slog.Error("failed to release for retry", "item_id", item.ID, "error", err)
		return
	}
	stats.Retried++
	recordDelivery("retry")
}

// cleanup removes long-delivered items. Failures are logged only; the rows
// will be retried on a later pass.
func (p *Processor) cleanup(ctx context.Context, now time.Time) {
	cutoff := now.Add(-p.config.SentRetention).UTC()
	deleted, err := p.repo.DeleteSentBefore(ctx, cutoff)
	if err != nil {
		slog.Error("failed to delete old sent items", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("deleted old sent items", "count", deleted, "cutoff", cutoff)
	}
}

// digestUnsubscribeURL resolves the opt-out link for a digest recipient.
// Soft failure: a missing token means a digest without the link.
func (p *Processor) digestUnsubscribeURL(ctx context.Context, first *Item) string {
	if p.unsub == nil || first.UserID == "" {
		return ""
	}

	token, err := p.unsub.GetOrCreate(ctx, first.UserID, string(first.EventType))
	if err != nil {
		slog.Warn("unsubscribe token unavailable for digest",
			"user_id", first.UserID,
			"error", err,
		)
		return ""
	}

	return p.unsub.BuildURL(token)
}
