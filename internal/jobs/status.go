package jobs

// Status is the lifecycle state of a job.
type Status string

// Job statuses. success and failed are terminal.
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// IsActive reports whether the job still counts for deduplication.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// AllStatuses lists every status.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusSuccess, StatusFailed}

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Transition is one allowed status change.
type Transition struct {
	From Status
	To   Status
}

// ValidTransitions is the job state machine. running → pending covers
// both a scheduled retry and recovery of jobs orphaned by a crash.
var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusRunning},
	{From: StatusRunning, To: StatusSuccess},
	{From: StatusRunning, To: StatusPending},
	{From: StatusRunning, To: StatusFailed},
}

// IsValidTransition reports whether from → to is allowed.
func IsValidTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
