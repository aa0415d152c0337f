package domain

import "errors"

var (
	// ErrUnauthenticated means no valid user session was supplied.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidRequest means the input was missing or malformed.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConversationNotFound means the conversation does not exist for this user.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrUpstream means the completion provider failed or timed out.
	ErrUpstream = errors.New("upstream completion failed")
	// ErrCancelledByUser is the cancellation cause for a user-initiated stop. It is not a failure.
	ErrCancelledByUser = errors.New("cancelled by user")
)
