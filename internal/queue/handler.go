package queue

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/taskgarden/mailqueue/internal/domain"
	"github.com/taskgarden/mailqueue/internal/pkg/httputil"
)

// Handler handles HTTP requests for the queue module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new queue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers queue routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/notifications", h.EnqueueNotification)
	r.Get("/queue/stats", h.QueueStats)
}

// EnqueueRequest represents the request body for enqueueing a notification.
type EnqueueRequest struct {
	NotificationID string     `json:"notification_id"`
	UserID         string     `json:"user_id" validate:"required"`
	Recipient      string     `json:"recipient" validate:"required,email"`
	RecipientName  string     `json:"recipient_name"`
	EventType      string     `json:"event_type" validate:"required,oneof=task_matched payment_received message_received"`
	Title          string     `json:"title" validate:"required"`
	Detail         string     `json:"detail"`
	BatchKey       string     `json:"batch_key"`
	BatchUntil     *time.Time `json:"batch_until"`
	ScheduledFor   *time.Time `json:"scheduled_for"`
	MaxAttempts    int        `json:"max_attempts" validate:"omitempty,min=1,max=10"`
}

// EnqueueResponse represents the created queue item.
type EnqueueResponse struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// EnqueueNotification handles POST /notifications.
func (h *Handler) EnqueueNotification(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	item, err := h.service.Enqueue(r.Context(), EnqueueInput{
		NotificationID: req.NotificationID,
		UserID:         req.UserID,
		Recipient:      req.Recipient,
		RecipientName:  req.RecipientName,
		EventType:      domain.EventType(req.EventType),
		Title:          req.Title,
		Detail:         req.Detail,
		BatchKey:       req.BatchKey,
		BatchUntil:     req.BatchUntil,
		ScheduledFor:   req.ScheduledFor,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			httputil.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.Error(w, http.StatusServiceUnavailable, "failed to enqueue notification")
		return
	}

	httputil.Success(w, http.StatusAccepted, EnqueueResponse{
		ID:           item.ID,
		Status:       string(item.Status),
		ScheduledFor: item.ScheduledFor,
	})
}

// QueueStats handles GET /queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusServiceUnavailable, "failed to read queue stats")
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int64{
		"pending":    stats.Pending,
		"batched":    stats.Batched,
		"processing": stats.Processing,
		"sent":       stats.Sent,
		"failed":     stats.Failed,
		"expired":    stats.Expired,
	})
}
