package errors

import "errors"

// Conversation errors.
var (
	ErrInvalidTarget       = errors.New("invalid conversation target")
	ErrUnknownConversation = errors.New("unknown conversation")
)

// Transport errors.
var (
	ErrNotConnected    = errors.New("history transport not connected")
	ErrMalformedResult = errors.New("malformed history result")
)

// Configuration errors.
var (
	ErrInvalidDeviceCaps = errors.New("invalid device capabilities")
)
