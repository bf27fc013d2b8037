package domain

import "errors"

var (
	ErrValidation         = errors.New("validation failed")
	ErrOrgNotFound        = errors.New("organization not found")
	ErrPollNotFound       = errors.New("poll not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidRange       = errors.New("invalid poll date range")
	ErrPollNotStarted     = errors.New("poll has not started")
	ErrPollEnded          = errors.New("poll has ended")
	ErrAlreadyVoted       = errors.New("already voted")
	ErrConcurrentAppend   = errors.New("concurrent audit append conflict")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)
