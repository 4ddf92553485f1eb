package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mrz1836/postmark"
	"golang.org/x/time/rate"
)

// PostmarkConfig holds Postmark transport configuration.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	FromAddress  string
	MessageTag   string
	RateLimit    float64 // messages per second, 0 = unlimited
}

// PostmarkTransport sends mail through the Postmark transactional API.
type PostmarkTransport struct {
	client  *postmark.Client
	config  PostmarkConfig
	limiter *rate.Limiter
}

// NewPostmarkTransport creates a Postmark transport.
func NewPostmarkTransport(config PostmarkConfig) (*PostmarkTransport, error) {
	if config.ServerToken == "" {
		return nil, errors.New("postmark transport: server token is required")
	}
	if config.AccountToken == "" {
		return nil, errors.New("postmark transport: account token is required")
	}
	if config.FromAddress == "" {
		return nil, errors.New("postmark transport: from address is required")
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	slog.Info("postmark transport configured",
		"from_address", config.FromAddress,
		"message_tag", config.MessageTag,
		"rate_limit", config.RateLimit,
	)

	return &PostmarkTransport{
		client:  postmark.NewClient(config.ServerToken, config.AccountToken),
		config:  config,
		limiter: limiter,
	}, nil
}

// Send delivers a single message and returns Postmark's MessageID.
func (t *PostmarkTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", NewRetryableError(fmt.Errorf("rate limit wait: %w", err))
	}

	resp, err := t.client.SendEmail(ctx, postmark.Email{
		From:     t.config.FromAddress,
		To:       msg.To,
		Subject:  msg.Subject,
		TextBody: msg.Body,
		Tag:      t.config.MessageTag,
	})
	if err != nil {
		// Transport-level failures (network, 5xx) are worth retrying
		return "", NewRetryableError(fmt.Errorf("postmark send: %w", err))
	}
	if resp.ErrorCode > 0 {
		return "", classifyPostmark(resp.ErrorCode, resp.Message)
	}

	return resp.MessageID, nil
}

// classifyPostmark maps Postmark API error codes to retryability.
// Recipient rejections are permanent; everything else may be transient.
func classifyPostmark(code int64, message string) error {
	err := fmt.Errorf("postmark error %d: %s", code, message)

	switch code {
	case 300, // invalid email request
		310, // invalid From address
		406: // inactive recipient
		return NewNonRetryableError(err)
	}
	return NewRetryableError(err)
}
