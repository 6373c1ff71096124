package hub

import "errors"

// Hub-specific error types
var (
	ErrHubAlreadyRunning  = errors.New("hub is already running")
	ErrHubNotRunning      = errors.New("hub is not running")
	ErrInboundChannelFull = errors.New("inbound channel is full")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrActorMismatch      = errors.New("payload user does not match the authenticated connection")
	ErrUnsupportedEvent   = errors.New("event type not handled")
)
