package status

import (
	"github.com/grovetools/embed/errors"
)

// Outcome is the overall result of a session.
type Outcome int

const (
	Success Outcome = iota
	PartialFailure
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case PartialFailure:
		return "partial failure"
	default:
		return "fatal"
	}
}

// ExitCode maps an outcome onto the process exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case Success:
		return 0
	case PartialFailure:
		return 2
	default:
		return 1
	}
}

// Outcome grades the board given the error that ended the session, if any.
// A fatal error wins; otherwise any degraded, failed or abandoned subsystem
// makes the run a partial failure.
func (b *Board) Outcome(cause error) Outcome {
	if cause != nil && errors.IsFatal(cause) {
		return Fatal
	}
	if cause != nil || len(b.Abandoned()) > 0 {
		return PartialFailure
	}
	for _, s := range b.Slots() {
		if !s.Healthy() {
			return PartialFailure
		}
	}
	return Success
}
