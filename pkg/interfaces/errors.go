package interfaces

import "errors"

// Common repository errors used across components
var (
	ErrRecordNotFound = errors.New("record not found")
)

// ErrPersistence marks a repository failure after the in-memory state has
// already changed. Callers report it but never roll back.
var ErrPersistence = errors.New("persistence failure")
