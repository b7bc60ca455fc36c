package journal

import (
	"errors"
	"time"
)

type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Entry is one completed call.
type Entry struct {
	ID        string
	Tx        string
	Pattern   string
	Action    string
	Status    Status
	ErrorCode string
	StartedAt time.Time
	EndedAt   time.Time
	ParentID  string
}

// Duration returns how long the call took.
func (e Entry) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

var ErrEmptyID = errors.New("journal entry id is empty")
