package domain

import "errors"

var (
	ErrOutOfRange       = errors.New("index out of range")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrContestFrozen    = errors.New("contest is frozen")
	ErrDirectMode       = errors.New("stream is in direct mode")
	ErrUpstreamConnect  = errors.New("upstream connect failed")
	ErrListenerDetached = errors.New("listener detached")
)
