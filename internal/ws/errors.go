package ws

import "errors"

var (
	ErrHubStopped    = errors.New("hub stopped")
	ErrSessionClosed = errors.New("session closed")
)
