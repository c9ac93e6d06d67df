package repository

import "errors"

var (
	ErrActNotFound      = errors.New("act not found")
	ErrActAlreadyExists = errors.New("act already exists")
	ErrVersionConflict  = errors.New("act was modified by someone else")
	ErrMarkerHeld       = errors.New("edit marker held by another participant")
	ErrInvalidEntry     = errors.New("invalid presence entry")
)
