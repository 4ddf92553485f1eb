// Package postgres provides the PostgreSQL implementation of the
// unsubscribe token repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskgarden/mailqueue/internal/unsubscribe"
)

// Repository implements unsubscribe.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL token repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// FindActive retrieves the unused token for a (user, event type) pair.
// An empty eventType matches the global-scope token.
func (r *Repository) FindActive(ctx context.Context, userID, eventType string) (*unsubscribe.Token, error) {
	query := `
		SELECT id, user_id, event_type, token, created_at, used_at
		FROM unsubscribe_tokens
		WHERE user_id = $1 AND event_type = $2 AND used_at IS NULL
		ORDER BY created_at
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(ctx, query, userID, eventType))
}

// Insert persists a new token.
func (r *Repository) Insert(ctx context.Context, token *unsubscribe.Token) error {
	query := `
		INSERT INTO unsubscribe_tokens (id, user_id, event_type, token, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(ctx, query,
		token.ID,
		token.UserID,
		token.EventType,
		token.Value,
		token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// FindByValue retrieves a token by its value.
func (r *Repository) FindByValue(ctx context.Context, value string) (*unsubscribe.Token, error) {
	query := `
		SELECT id, user_id, event_type, token, created_at, used_at
		FROM unsubscribe_tokens
		WHERE token = $1
	`
	return r.scanOne(r.db.QueryRow(ctx, query, value))
}

// MarkUsed stamps used_at on an unused token.
func (r *Repository) MarkUsed(ctx context.Context, id string, usedAt time.Time) error {
	query := `
		UPDATE unsubscribe_tokens
		SET used_at = $2
		WHERE id = $1 AND used_at IS NULL
	`
	result, err := r.db.Exec(ctx, query, id, usedAt)
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}
	if result.RowsAffected() == 0 {
		return unsubscribe.ErrTokenUsed
	}
	return nil
}

func (r *Repository) scanOne(row pgx.Row) (*unsubscribe.Token, error) {
	var token unsubscribe.Token
	err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.EventType,
		&token.Value,
		&token.CreatedAt,
		&token.UsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, unsubscribe.ErrTokenNotFound
		}
		return nil, fmt.Errorf("scan token: %w", err)
	}
	return &token, nil
}
