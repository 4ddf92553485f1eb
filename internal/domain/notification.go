// Package domain contains core types shared across modules.
package domain

import "time"

// EventType identifies the kind of domain event a notification is about.
type EventType string

// Event types produced by the surrounding application.
const (
	EventTypeTaskMatched     EventType = "task_matched"
	EventTypePaymentReceived EventType = "payment_received"
	EventTypeMessageReceived EventType = "message_received"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeTaskMatched, EventTypePaymentReceived, EventTypeMessageReceived:
		return true
	}
	return false
}

// Notification is the originating record a queue item may link back to.
// The queue acknowledges delivery on it best-effort after a successful send.
type Notification struct {
	ID             string
	UserID         string
	EventType      EventType
	Title          string
	CreatedAt      time.Time
	EmailedAt      *time.Time
	EmailMessageID string
}
