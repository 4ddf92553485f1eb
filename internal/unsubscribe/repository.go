// Package unsubscribe manages opt-out tokens embedded in delivered emails.
package unsubscribe

import (
	"context"
	"time"
)

// Token is a single-use-until-consumed opt-out token scoped to a user and,
// optionally, one event type. An empty EventType means a global opt-out.
type Token struct {
	ID        string
	UserID    string
	EventType string
	Value     string
	CreatedAt time.Time
	UsedAt    *time.Time
}

// Repository defines token data access.
type Repository interface {
	// FindActive returns the unused token for (userID, eventType),
	// or ErrTokenNotFound.
	FindActive(ctx context.Context, userID, eventType string) (*Token, error)

	// Insert persists a new token.
	Insert(ctx context.Context, token *Token) error

	// FindByValue returns the token with the given value, used or not,
	// or ErrTokenNotFound.
	FindByValue(ctx context.Context, value string) (*Token, error)

	// MarkUsed stamps used_at on an unused token.
	MarkUsed(ctx context.Context, id string, usedAt time.Time) error
}
