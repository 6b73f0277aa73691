package chat

import "errors"

// Error taxonomy for gateway operations. Authorization and validation
// failures abort only the invoked operation; the connection stays open.
var (
	// ErrUnauthenticated means the connection carries no resolvable verified identity.
	ErrUnauthenticated = errors.New("chat: unauthenticated")

	// ErrAccessDenied means the caller holds no persisted membership for the lobby.
	ErrAccessDenied = errors.New("chat: access denied")

	// ErrNotFound means the referenced user or message does not exist.
	ErrNotFound = errors.New("chat: not found")

	// ErrValidation means a malformed identifier or empty content.
	ErrValidation = errors.New("chat: validation failed")
)
