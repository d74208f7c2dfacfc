package jobs

import "errors"

// Domain errors for the job store.
var (
	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("jobs: not found")

	// ErrDuplicateID is returned by Create when a caller-supplied job ID
	// is already taken.
	ErrDuplicateID = errors.New("jobs: job id already exists")

	// ErrNoJobDue is returned by Claim when no pending job is due.
	ErrNoJobDue = errors.New("jobs: no job due")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the job's current status.
	ErrInvalidTransition = errors.New("jobs: invalid status transition")
)
