package domain

import (
	"errors"
)

// Sentinel errors - use with errors.Is()
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// ErrStoreClosed indicates the shared document store connection was
	// shut down.
	ErrStoreClosed = errors.New("document store closed")
)
