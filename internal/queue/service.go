package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskgarden/mailqueue/internal/domain"
	"github.com/taskgarden/mailqueue/internal/render"
	"github.com/taskgarden/mailqueue/internal/unsubscribe"
)

// defaultMaxAttempts bounds delivery retries when the caller does not
// override it.
const defaultMaxAttempts = 3

// EnqueueInput describes one notification to queue for delivery.
type EnqueueInput struct {
	NotificationID string
	UserID         string
	Recipient      string
	RecipientName  string
	EventType      domain.EventType
	Title          string
	Detail         string
	BatchKey       string
	BatchUntil     *time.Time
	ScheduledFor   *time.Time
	MaxAttempts    int
}

// Service is the caller-facing enqueue surface. It renders the body up
// front and inserts exactly one queue item; delivery happens asynchronously.
type Service struct {
	repo     Repository
	renderer *render.Renderer
	unsub    *unsubscribe.Manager
	now      func() time.Time
}

// NewService creates an enqueue service. unsub may be nil, in which case
// emails carry no unsubscribe link.
func NewService(repo Repository, renderer *render.Renderer, unsub *unsubscribe.Manager) *Service {
	return &Service{
		repo:     repo,
		renderer: renderer,
		unsub:    unsub,
		now:      time.Now,
	}
}

// Enqueue inserts one queue item. An item with a batch key starts batched
// and is consolidated into a digest once its batch window closes; otherwise
// it starts pending. A failed insert is returned to the caller, who must not
// treat it as delivered.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (*Item, error) {
	if input.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	if !input.EventType.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, input.EventType)
	}
	if input.BatchKey != "" && input.BatchUntil == nil {
		return nil, fmt.Errorf("%w: batch_until is required with batch_key", ErrInvalidInput)
	}

	now := s.now().UTC()

	scheduledFor := now
	if input.ScheduledFor != nil {
		scheduledFor = input.ScheduledFor.UTC()
	}

	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	entry := render.Entry{
		Title:     input.Title,
		Detail:    input.Detail,
		CreatedAt: now,
	}

	subject, body, err := s.renderer.Render(input.EventType, render.Data{
		RecipientName:  input.RecipientName,
		Entry:          entry,
		UnsubscribeURL: s.unsubscribeURL(ctx, input.UserID, input.EventType),
	})
	if err != nil {
		return nil, fmt.Errorf("render notification: %w", err)
	}

	item := &Item{
		ID:             uuid.NewString(),
		NotificationID: input.NotificationID,
		UserID:         input.UserID,
		Recipient:      input.Recipient,
		RecipientName:  input.RecipientName,
		EventType:      input.EventType,
		Title:          input.Title,
		Detail:         input.Detail,
		Subject:        subject,
		Body:           body,
		Status:         StatusPending,
		ScheduledFor:   scheduledFor,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
	}

	if input.BatchKey != "" {
		item.Status = StatusBatched
		item.BatchKey = input.BatchKey
		until := input.BatchUntil.UTC()
		item.BatchUntil = &until
	}

	if err := s.repo.Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("insert queue item: %w", err)
	}

	slog.Debug("notification enqueued",
		"item_id", item.ID,
		"event_type", item.EventType,
		"status", item.Status,
		"batch_key", item.BatchKey,
	)

	return item, nil
}

// Stats returns per-status queue counts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.GetStats(ctx)
}

// unsubscribeURL resolves the opt-out link for a recipient. Token store
// errors degrade to an email without the link rather than failing the
// enqueue.
func (s *Service) unsubscribeURL(ctx context.Context, userID string, eventType domain.EventType) string {
	if s.unsub == nil || userID == "" {
		return ""
	}

	token, err := s.unsub.GetOrCreate(ctx, userID, string(eventType))
	if err != nil {
		slog.Warn("unsubscribe token unavailable, sending without link",
			"user_id", userID,
			"event_type", eventType,
			"error", err,
		)
		return ""
	}

	return s.unsub.BuildURL(token)
}
