package model

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrNoResponse signals that every retry attempt against an upstream
	// feed was exhausted without a successful response.
	ErrNoResponse = errors.New("no response from upstream")
	// ErrInvalidCandidate marks an upstream record without a stable
	// identity; such records are counted but never stored.
	ErrInvalidCandidate = errors.New("candidate has no external id")
	// ErrValidation wraps every request validation failure so handlers
	// can map the whole family to one status code.
	ErrValidation = errors.New("validation error")
)
