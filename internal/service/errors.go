package service

import "errors"

var (
	ErrResourceAlreadyOpen = errors.New("resource already open in this process")
	ErrResourceNotOpen     = errors.New("resource not open")
	ErrNotHolder           = errors.New("session does not hold the lock")
	ErrSessionClosed       = errors.New("lock session closed")
	ErrInvalidResource     = errors.New("invalid resource id")

	ErrForeignResource    = errors.New("event concerns another resource")
	ErrInvalidCommitEvent = errors.New("invalid committed event")

	ErrEmptyPatch   = errors.New("nothing to save")
	ErrReadOnlyView = errors.New("act is open read-only")
)
