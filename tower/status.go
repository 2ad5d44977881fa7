package tower

import "strings"

// Status is the state of a workflow run as reported by Tower.
//
//	SUBMITTED → RUNNING → SUCCEEDED
//	                    ↘ FAILED
//	  (or)   → CANCELLED
//
// UNKNOWN is reported when Tower lost track of the run (e.g. the head job vanished).
type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusUnknown   Status = "UNKNOWN"
)

var Statuses = []Status{StatusSubmitted, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled, StatusUnknown}

// ParseStatus normalizes a status string. Anything unrecognized is UNKNOWN.
func ParseStatus(s string) Status {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case StatusSubmitted, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return status
	default:
		return StatusUnknown
	}
}

// IsDone returns true once the run will not change status anymore.
func (s Status) IsDone() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusUnknown:
		return true
	default:
		return false
	}
}

func (s Status) IsSuccess() bool {
	return s == StatusSucceeded
}

func (s Status) String() string {
	return string(s)
}
