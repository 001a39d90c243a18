package errors

import "errors"

// Transport errors. Recoverable: callers fall back to REST or wait for
// the reconnect cycle.
var (
	ErrNotConnected   = errors.New("push transport not connected")
	ErrPublishTimeout = errors.New("timed out waiting for publish")
)

// Engine errors.
var (
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSendFailed           = errors.New("message could not be delivered")
)
