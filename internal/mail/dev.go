package mail

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// DevTransport logs messages instead of sending them. For local development.
type DevTransport struct{}

// NewDevTransport creates a log-only transport.
func NewDevTransport() *DevTransport {
	slog.Warn("dev mail transport configured: emails will be logged, not sent")
	return &DevTransport{}
}

// Send logs the message and returns a synthetic provider id.
func (t *DevTransport) Send(_ context.Context, msg Message) (string, error) {
	id := fmt.Sprintf("dev-%s", uuid.NewString())
	slog.Info("dev mail transport send",
		"to", msg.To,
		"subject", msg.Subject,
		"provider_message_id", id,
	)
	return id, nil
}
