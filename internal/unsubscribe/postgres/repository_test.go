//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgutil "github.com/taskgarden/mailqueue/internal/pkg/postgres"
	"github.com/taskgarden/mailqueue/internal/testutil"
	"github.com/taskgarden/mailqueue/internal/unsubscribe"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	if err := pgutil.Migrate(container.ConnectionString, "../../../migrations"); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	testPool, err = pgxpool.New(ctx, container.ConnectionString)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}

	code := m.Run()

	testPool.Close()
	os.Exit(code)
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	_, err := testPool.Exec(context.Background(), "TRUNCATE unsubscribe_tokens")
	require.NoError(t, err)
	return NewRepository(testPool)
}

func newToken(userID, eventType string) *unsubscribe.Token {
	return &unsubscribe.Token{
		ID:        uuid.NewString(),
		UserID:    userID,
		EventType: eventType,
		Value:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}

func TestRepository_FindActive(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	token := newToken("user-1", "task_matched")
	require.NoError(t, repo.Insert(ctx, token))

	found, err := repo.FindActive(ctx, "user-1", "task_matched")
	require.NoError(t, err)
	assert.Equal(t, token.ID, found.ID)
	assert.Equal(t, token.Value, found.Value)
	assert.Nil(t, found.UsedAt)

	_, err = repo.FindActive(ctx, "user-1", "payment_received")
	assert.ErrorIs(t, err, unsubscribe.ErrTokenNotFound)

	// A consumed token is no longer active
	require.NoError(t, repo.MarkUsed(ctx, token.ID, time.Now().UTC()))
	_, err = repo.FindActive(ctx, "user-1", "task_matched")
	assert.ErrorIs(t, err, unsubscribe.ErrTokenNotFound)
}

func TestRepository_FindByValue(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	token := newToken("user-1", "")
	require.NoError(t, repo.Insert(ctx, token))

	found, err := repo.FindByValue(ctx, token.Value)
	require.NoError(t, err)
	assert.Equal(t, token.ID, found.ID)

	// Found regardless of consumption, with used_at populated
	require.NoError(t, repo.MarkUsed(ctx, token.ID, time.Now().UTC()))
	found, err = repo.FindByValue(ctx, token.Value)
	require.NoError(t, err)
	assert.NotNil(t, found.UsedAt)

	_, err = repo.FindByValue(ctx, "nope")
	assert.ErrorIs(t, err, unsubscribe.ErrTokenNotFound)
}

func TestRepository_MarkUsed_OnlyOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	token := newToken("user-1", "task_matched")
	require.NoError(t, repo.Insert(ctx, token))

	require.NoError(t, repo.MarkUsed(ctx, token.ID, time.Now().UTC()))
	assert.ErrorIs(t, repo.MarkUsed(ctx, token.ID, time.Now().UTC()), unsubscribe.ErrTokenUsed)
}
