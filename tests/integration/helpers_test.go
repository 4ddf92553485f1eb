//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// resetState clears the queue tables and the Mailpit inbox so tests do not
// observe each other's items.
func resetState(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	_, err := testDB.Exec(ctx, "TRUNCATE queue_items, unsubscribe_tokens, notifications")
	require.NoError(t, err)

	require.NoError(t, mailpitClient.DeleteAllMessages())
}

// runCycle triggers one processing cycle and requires that it actually ran.
func runCycle(t *testing.T) {
	t.Helper()
	require.True(t, application.Scheduler().RunOnce(context.Background()), "cycle was already in flight")
}

type enqueueResponse struct {
	Data struct {
		ID           string    `json:"id"`
		Status       string    `json:"status"`
		ScheduledFor time.Time `json:"scheduled_for"`
	} `json:"data"`
}

// enqueue posts a notification and returns the created queue item id and status.
func enqueue(t *testing.T, body map[string]interface{}) enqueueResponse {
	t.Helper()

	resp, err := testClient.Post("/api/v1/notifications", body)
	require.NoError(t, err)
	require.Equal(t, 202, resp.StatusCode, "enqueue failed: %s", resp.Body)

	var out enqueueResponse
	require.NoError(t, resp.Decode(&out))
	return out
}

// itemStatus reads the current status of a queue item straight from the store.
func itemStatus(t *testing.T, id string) string {
	t.Helper()

	var status string
	err := testDB.QueryRow(context.Background(),
		"SELECT status FROM queue_items WHERE id = $1", id).Scan(&status)
	require.NoError(t, err)
	return status
}
