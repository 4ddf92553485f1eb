package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// SMTPConfig holds SMTP transport configuration.
type SMTPConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	FromAddress string
	SendTimeout time.Duration
	RateLimit   float64 // messages per second, 0 = unlimited
}

// SMTPTransport sends mail over SMTP with STARTTLS.
type SMTPTransport struct {
	config  SMTPConfig
	auth    smtp.Auth
	limiter *rate.Limiter
}

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(config SMTPConfig) (*SMTPTransport, error) {
	if config.Host == "" {
		return nil, errors.New("smtp transport: host is required")
	}
	if config.FromAddress == "" {
		return nil, errors.New("smtp transport: from address is required")
	}

	if config.Port == 0 {
		config.Port = 587
	}
	if config.SendTimeout == 0 {
		config.SendTimeout = 30 * time.Second
	}

	var auth smtp.Auth
	if config.User != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.User, config.Password, config.Host)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	slog.Info("smtp transport configured",
		"host", config.Host,
		"port", config.Port,
		"from_address", config.FromAddress,
		"rate_limit", config.RateLimit,
	)

	return &SMTPTransport{
		config:  config,
		auth:    auth,
		limiter: limiter,
	}, nil
}

// Send delivers a single message. The returned provider id is the locally
// generated Message-ID header, since SMTP has no submission receipt.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", NewRetryableError(fmt.Errorf("rate limit wait: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.SendTimeout)
	defer cancel()

	messageID := buildMessageID(t.config.FromAddress)
	raw := t.buildMessage(messageID, msg)
	addr := fmt.Sprintf("%s:%d", t.config.Host, t.config.Port)

	tlsConfig := &tls.Config{
		ServerName: t.config.Host,
		MinVersion: tls.VersionTLS12,
	}

	if err := t.sendWithSTARTTLS(ctx, addr, tlsConfig, msg.To, raw); err != nil {
		return "", classify(err)
	}

	return messageID, nil
}

// buildMessage constructs the email with headers in deterministic order.
func (t *SMTPTransport) buildMessage(messageID string, msg Message) []byte {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("From: %s\r\n", t.config.FromAddress))
	b.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	return []byte(b.String())
}

func (t *SMTPTransport) sendWithSTARTTLS(ctx context.Context, addr string, tlsConfig *tls.Config, recipient string, raw []byte) error {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, t.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if t.auth != nil {
		if err := client.Auth(t.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	from := extractEmail(t.config.FromAddress)
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// buildMessageID generates an RFC 5322 Message-ID scoped to the sender domain.
func buildMessageID(fromAddress string) string {
	domain := "localhost"
	if at := strings.LastIndex(extractEmail(fromAddress), "@"); at != -1 {
		domain = extractEmail(fromAddress)[at+1:]
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// classify wraps an SMTP error with its retryability.
func classify(err error) error {
	if smtpRetryable(err) {
		return NewRetryableError(err)
	}
	return NewNonRetryableError(err)
}

// smtpRetryable determines if an SMTP error is worth a later attempt.
func smtpRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network timeouts and connection errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := err.Error()

	// SMTP 4xx codes are temporary failures
	if strings.Contains(errStr, "421") || // Service not available
		strings.Contains(errStr, "450") || // Mailbox unavailable
		strings.Contains(errStr, "451") || // Local error
		strings.Contains(errStr, "452") { // Insufficient storage
		return true
	}

	// 552 - Mailbox full is sometimes retryable
	if strings.Contains(errStr, "552") {
		return true
	}

	return false
}
