package errors

import "errors"

// Queue errors.
var (
	ErrEventNotFound = errors.New("queued event not found")
	ErrUnknownType   = errors.New("unknown event type")
)

// Hub/transport errors.
var (
	ErrNotConnected  = errors.New("hub not connected")
	ErrMaxReconnects = errors.New("max reconnect attempts reached")
	ErrTokenRefresh  = errors.New("token refresh failed")
)
