package unsubscribe

import "errors"

// Token errors.
var (
	ErrTokenNotFound = errors.New("unsubscribe token not found")
	ErrTokenUsed     = errors.New("unsubscribe token already used")
)
