// Package queue implements the notification delivery queue: enqueueing,
// batch consolidation, delivery with bounded retries, and expiry.
package queue

import (
	"time"

	"github.com/taskgarden/mailqueue/internal/domain"
)

// Status represents the delivery status of a queue item.
type Status string

// Item statuses. Sent, failed and expired are terminal.
const (
	StatusPending    Status = "pending"
	StatusBatched    Status = "batched"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusExpired
}

// Item is one unit of notification work tracked through the delivery
// state machine.
type Item struct {
	ID             string
	NotificationID string // optional link to the originating record
	UserID         string
	Recipient      string
	RecipientName  string
	EventType      domain.EventType
	Title          string // raw entry payload, kept for digest rendering
	Detail         string
	Subject        string
	Body           string
	Status         Status
	BatchKey       string
	BatchUntil     *time.Time
	ScheduledFor   time.Time
	Attempts       int
	MaxAttempts    int
	LastError      string
	ProviderMsgID  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SentAt         *time.Time
	ExpiredAt      *time.Time
}

// Stats holds per-status queue counts.
type Stats struct {
	Pending    int64
	Batched    int64
	Processing int64
	Sent       int64
	Failed     int64
	Expired    int64
}
