package relay

import "errors"

var (
	// ErrAlreadyStarted is returned by Start on a running relay.
	ErrAlreadyStarted = errors.New("relay: already started")

	// ErrBadCommandTopic is returned for a command on an unexpected topic.
	ErrBadCommandTopic = errors.New("relay: not a command topic")

	// ErrBadCommandPayload is returned for a command that is not JSON.
	ErrBadCommandPayload = errors.New("relay: invalid command payload")
)
