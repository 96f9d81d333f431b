package domain

import "errors"

var (
	// ErrInsufficientFunds means the posting would drive a balance below what policy allows.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConcurrentModification means a per-user balance update lost a race and may be retried.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrStoreUnavailable is a transient infrastructure failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConflict means a conditional update matched no rows because the record moved on.
	ErrConflict = errors.New("record changed concurrently")

	ErrServerNotFound = errors.New("server not found")
	ErrUserNotFound   = errors.New("user not found")
)
