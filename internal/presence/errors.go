package presence

import "errors"

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserOffline  = errors.New("user has no live connection")
	ErrNilClient    = errors.New("redis client is nil")
)
