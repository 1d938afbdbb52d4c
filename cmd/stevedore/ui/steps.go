package ui

import "time"

type stepStatus uint8

const (
	stepPending stepStatus = iota
	stepRunning
	stepDone
	stepFailed
)

func (s stepStatus) String() string {
	switch s {
	case stepRunning:
		return "running"
	case stepDone:
		return "done"
	case stepFailed:
		return "failed"
	default:
		return "pending"
	}
}

func (s stepStatus) finished() bool { return s == stepDone || s == stepFailed }

// stepState is one row of release progress as the renderers see it.
type stepState struct {
	ID       string
	ParentID string
	Title    string
	Status   stepStatus
	Message  string
	Started  time.Time
	Elapsed  time.Duration
}

// took is the rounded step duration for finished steps, "" otherwise.
// Sub-second steps are not worth a label.
func (s stepState) took() string {
	if !s.Status.finished() || s.Elapsed < time.Second {
		return ""
	}
	return s.Elapsed.Round(time.Second).String()
}

func (s stepState) indent() string {
	if s.ParentID != "" {
		return "    "
	}
	return "  "
}

type stepSnapshot struct {
	Steps []stepState
}
