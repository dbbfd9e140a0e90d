package chat

import "errors"

var (
	// ErrEmptyMessage is returned for a body that is empty after trimming.
	// Sessions drop such payloads without telling the client.
	ErrEmptyMessage = errors.New("empty message")
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrPersist      = errors.New("message could not be stored")
)
