package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrStaleEvent     = errors.New("stale event")
	ErrVenueDown      = errors.New("venue down")
	ErrRiskVeto       = errors.New("risk veto")
	ErrBusy           = errors.New("resource key busy")
	ErrExpired        = errors.New("opportunity expired")
	ErrNotProfitable  = errors.New("no longer profitable")
	ErrExecRejected   = errors.New("execution rejected")
	ErrReconciling    = errors.New("reconciliation pending")
	ErrLockHeld       = errors.New("lock already held")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrContextDone    = errors.New("context cancelled")
	ErrUnknownVenue   = errors.New("unknown venue")
	ErrInvalidAddress = errors.New("invalid token address")
)
