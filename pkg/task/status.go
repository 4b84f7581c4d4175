package task

import "errors"

// ErrInvalidTransition is returned when a status change is not in the
// transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a task. Completed and Canceled are
// terminal, everything else can still move.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCanceled    Status = "canceled"
)

// transitions is the closed table of legal status moves. A transition not
// listed here is rejected, there is no other way to change status.
var transitions = map[Status][]Status{
	StatusQueued:      {StatusDownloading, StatusCanceled},
	StatusDownloading: {StatusPaused, StatusCompleted, StatusFailed, StatusCanceled},
	StatusPaused:      {StatusQueued, StatusCanceled},
	StatusFailed:      {StatusQueued, StatusCanceled},
	StatusCompleted:   {},
	StatusCanceled:    {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0 && s.Valid()
}

// CanTransitionTo reports whether the move from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
