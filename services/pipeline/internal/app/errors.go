package app

import "errors"

var (
	// ErrInvalidInput marks requests rejected before anything is stored.
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	// ErrConflict is returned for lifecycle violations such as resubmitting a completed image.
	ErrConflict = errors.New("conflict")
)
