package session

import "errors"

var (
	// ErrTransientGateway wraps completion or persistence failures that
	// aborted a reply fetch. The window is rolled back.
	ErrTransientGateway = errors.New("transient gateway failure")

	// ErrMalformedOutput is returned when the model produced more unusable
	// chunks than the retry budget allows. It is handled like a transient
	// failure.
	ErrMalformedOutput = errors.New("model output could not be parsed")

	// ErrBlocked marks a message dropped by the chat policy.
	ErrBlocked = errors.New("message blocked by chat policy")

	// ErrInteractionNotFound is returned for unknown or expired pending
	// interaction ids.
	ErrInteractionNotFound = errors.New("pending interaction not found")

	// ErrDisabled is returned when operating on a disabled session.
	ErrDisabled = errors.New("session disabled")

	// ErrConversationOff is returned by Registry.GetOrCreate for
	// conversations whose chat policy switches the assistant off.
	ErrConversationOff = errors.New("assistant switched off in this conversation")
)
