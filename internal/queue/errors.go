package queue

import "errors"

// Queue errors.
var (
	ErrItemNotFound = errors.New("queue item not found")
	ErrNotClaimed   = errors.New("item no longer pending, claimed elsewhere")
	ErrInvalidInput = errors.New("invalid enqueue input")
)
