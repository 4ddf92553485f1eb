package mail

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSMTPTransport_Validation(t *testing.T) {
	t.Run("missing host", func(t *testing.T) {
		_, err := NewSMTPTransport(SMTPConfig{FromAddress: "noreply@example.com"})
		assert.ErrorContains(t, err, "host is required")
	})

	t.Run("missing from address", func(t *testing.T) {
		_, err := NewSMTPTransport(SMTPConfig{Host: "smtp.example.com"})
		assert.ErrorContains(t, err, "from address is required")
	})

	t.Run("defaults applied", func(t *testing.T) {
		transport, err := NewSMTPTransport(SMTPConfig{
			Host:        "smtp.example.com",
			FromAddress: "noreply@example.com",
		})
		require.NoError(t, err)
		assert.Equal(t, 587, transport.config.Port)
		assert.Equal(t, 30*time.Second, transport.config.SendTimeout)
	})
}

func TestSMTPTransport_BuildMessage(t *testing.T) {
	transport, err := NewSMTPTransport(SMTPConfig{
		Host:        "smtp.example.com",
		FromAddress: "Task Garden <noreply@example.com>",
	})
	require.NoError(t, err)

	raw := string(transport.buildMessage("abc@example.com", Message{
		To:      "user@example.com",
		Subject: "You have a new task match",
		Body:    "A task matching your profile was just posted.",
	}))

	assert.Contains(t, raw, "From: Task Garden <noreply@example.com>\r\n")
	assert.Contains(t, raw, "To: user@example.com\r\n")
	assert.Contains(t, raw, "Subject: You have a new task match\r\n")
	assert.Contains(t, raw, "Message-ID: <abc@example.com>\r\n")
	assert.Contains(t, raw, "Content-Type: text/plain")

	// Headers and body are separated by a blank line
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nA task matching your profile was just posted."))
}

func TestBuildMessageID(t *testing.T) {
	id := buildMessageID("Task Garden <noreply@example.com>")
	assert.True(t, strings.HasSuffix(id, "@example.com"), "got %s", id)

	other := buildMessageID("noreply@example.com")
	assert.True(t, strings.HasSuffix(other, "@example.com"))
	assert.NotEqual(t, id, other)

	assert.True(t, strings.HasSuffix(buildMessageID("garbage"), "@localhost"))
}

func TestExtractEmail(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		expected string
	}{
		{"bare address", "noreply@example.com", "noreply@example.com"},
		{"display name", "Task Garden <noreply@example.com>", "noreply@example.com"},
		{"malformed brackets", "Task Garden <noreply@example.com", "Task Garden <noreply@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractEmail(tt.address))
		})
	}
}

func TestSMTPRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"service not available", errors.New("421 service not available"), true},
		{"mailbox unavailable", errors.New("450 mailbox unavailable"), true},
		{"local error", errors.New("451 local error in processing"), true},
		{"insufficient storage", errors.New("452 insufficient system storage"), true},
		{"mailbox full", errors.New("552 mailbox full"), true},
		{"no such user", errors.New("550 no such user"), false},
		{"syntax error", errors.New("500 syntax error"), false},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, smtpRetryable(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.True(t, IsRetryable(classify(errors.New("421 try again later"))))
	assert.False(t, IsRetryable(classify(errors.New("550 no such user"))))
}
