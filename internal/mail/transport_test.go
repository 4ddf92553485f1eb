package mail

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryableError(t *testing.T) {
	originalErr := errors.New("original error")

	t.Run("retryable error", func(t *testing.T) {
		err := NewRetryableError(originalErr)

		assert.Equal(t, "original error", err.Error())
		assert.True(t, err.IsRetryable())
		assert.Equal(t, originalErr, errors.Unwrap(err))
	})

	t.Run("non-retryable error", func(t *testing.T) {
		err := NewNonRetryableError(originalErr)

		assert.Equal(t, "original error", err.Error())
		assert.False(t, err.IsRetryable())
		assert.Equal(t, originalErr, errors.Unwrap(err))
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable error",
			err:      NewRetryableError(errors.New("temporary error")),
			expected: true,
		},
		{
			name:     "non-retryable error",
			err:      NewNonRetryableError(errors.New("permanent error")),
			expected: false,
		},
		{
			name:     "generic error defaults to retryable",
			err:      errors.New("unknown error"),
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestClassifyPostmark(t *testing.T) {
	tests := []struct {
		name      string
		code      int64
		retryable bool
	}{
		{"invalid email request", 300, false},
		{"invalid from address", 310, false},
		{"inactive recipient", 406, false},
		{"rate limit exceeded", 429, true},
		{"internal server error", 700, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyPostmark(tt.code, "details")
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Contains(t, err.Error(), "details")
		})
	}
}

func TestNewPostmarkTransport_Validation(t *testing.T) {
	_, err := NewPostmarkTransport(PostmarkConfig{AccountToken: "a", FromAddress: "noreply@example.com"})
	assert.ErrorContains(t, err, "server token is required")

	_, err = NewPostmarkTransport(PostmarkConfig{ServerToken: "s", FromAddress: "noreply@example.com"})
	assert.ErrorContains(t, err, "account token is required")

	_, err = NewPostmarkTransport(PostmarkConfig{ServerToken: "s", AccountToken: "a"})
	assert.ErrorContains(t, err, "from address is required")
}

func TestDevTransport_Send(t *testing.T) {
	transport := NewDevTransport()

	id, err := transport.Send(context.Background(), Message{
		To:      "user@example.com",
		Subject: "hello",
		Body:    "world",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "dev-"), "got %s", id)

	other, err := transport.Send(context.Background(), Message{To: "user@example.com"})
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}
