package maintenance

import "errors"

var (
	// ErrInvalidSchedule is returned for a cron expression that does not parse.
	ErrInvalidSchedule = errors.New("maintenance: invalid schedule")

	// ErrAlreadyStarted is returned by Start on a running sweeper.
	ErrAlreadyStarted = errors.New("maintenance: already started")
)
