package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound         = errors.New("not found")
	ErrNoRecipients     = errors.New("recipients must name at least one user or select all")
	ErrAmbiguousTarget  = errors.New("recipients cannot combine user_ids with all")
	ErrInvalidRecipient = errors.New("user ids must not be empty")
	ErrInvalidKind      = errors.New("kind must be between 1 and 64 characters")
	ErrInvalidTitle     = errors.New("title must be at most 256 characters")
	ErrInvalidPayload   = errors.New("payload must be valid JSON of at most 64 KiB")
	ErrTooManyUsers     = errors.New("recipients exceed maximum of 1000 user ids")
	ErrInvalidEmail     = errors.New("email must be a valid address when email delivery is enabled")
	ErrQueueFull        = errors.New("dispatch queue is at capacity, try again later")
	ErrQueueClosed      = errors.New("dispatch queue is shut down")
)
