package unsubscribe

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tokenBytes is the entropy of a token value before encoding.
const tokenBytes = 32

// Manager issues and consumes unsubscribe tokens.
type Manager struct {
	repo    Repository
	baseURL string
	now     func() time.Time
}

// NewManager creates a token manager. baseURL is the public address
// unsubscribe links point at, without a trailing slash.
func NewManager(repo Repository, baseURL string) *Manager {
	return &Manager{
		repo:    repo,
		baseURL: baseURL,
		now:     time.Now,
	}
}

// GetOrCreate returns the active token value for (userID, eventType),
// creating one if none exists. eventType may be empty for a global token.
// Concurrent calls for the same pair may create duplicate tokens; both stay
// valid, so this is tolerated rather than locked against.
func (m *Manager) GetOrCreate(ctx context.Context, userID, eventType string) (string, error) {
	existing, err := m.repo.FindActive(ctx, userID, eventType)
	if err == nil {
		return existing.Value, nil
	}
	if !errors.Is(err, ErrTokenNotFound) {
		return "", fmt.Errorf("find active token: %w", err)
	}

	value, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	token := &Token{
		ID:        uuid.NewString(),
		UserID:    userID,
		EventType: eventType,
		Value:     value,
		CreatedAt: m.now().UTC(),
	}

	if err := m.repo.Insert(ctx, token); err != nil {
		return "", fmt.Errorf("insert token: %w", err)
	}

	return value, nil
}

// BuildURL formats the unsubscribe link for a token value. Pure formatting,
// no store access.
func (m *Manager) BuildURL(value string) string {
	return fmt.Sprintf("%s/unsubscribe/%s", m.baseURL, value)
}

// Lookup returns the token for a value without consuming it.
func (m *Manager) Lookup(ctx context.Context, value string) (*Token, error) {
	return m.repo.FindByValue(ctx, value)
}

// Consume marks the token used and returns it. Returns ErrTokenUsed if it
// was already consumed.
func (m *Manager) Consume(ctx context.Context, value string) (*Token, error) {
	token, err := m.repo.FindByValue(ctx, value)
	if err != nil {
		return nil, err
	}

	if token.UsedAt != nil {
		return nil, ErrTokenUsed
	}

	usedAt := m.now().UTC()
	if err := m.repo.MarkUsed(ctx, token.ID, usedAt); err != nil {
		return nil, fmt.Errorf("mark token used: %w", err)
	}

	token.UsedAt = &usedAt
	return token, nil
}

// generateToken returns a high-entropy, URL-safe random value.
func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
