// Package mail provides transports that perform the actual email send.
package mail

import "context"

// Message is a delivery-ready email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Transport sends a message and returns the provider message identifier.
type Transport interface {
	Send(ctx context.Context, msg Message) (providerMsgID string, err error)
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// IsRetryable checks if an error is retryable. Errors that do not classify
// themselves default to retryable.
func IsRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}
	return true
}
