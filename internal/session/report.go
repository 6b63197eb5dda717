package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/grovetools/embed/internal/flash"
	"github.com/grovetools/embed/internal/status"
	"github.com/grovetools/embed/logging"
)

// Report summarises a finished session.
type Report struct {
	ID      string         `json:"id"`
	Profile string         `json:"profile"`
	Chip    string         `json:"chip"`
	Outcome status.Outcome `json:"outcome"`
	Cause   error          `json:"-"`

	Flash     *flash.Result `json:"flash,omitempty"`
	Slots     []status.Slot `json:"slots"`
	Abandoned []string      `json:"abandoned,omitempty"`
	Duration  time.Duration `json:"duration"`

	// Ops and MaxHolders come from the probe handle.
	Ops        uint64 `json:"ops"`
	MaxHolders int    `json:"max_holders"`
}

// ExitCode is the process exit status for the report's outcome.
func (r *Report) ExitCode() int {
	return r.Outcome.ExitCode()
}

// Print writes a human summary.
func (r *Report) Print(p *logging.PrettyLogger) {
	p.Divider()
	if f := r.Flash; f != nil {
		if f.Skipped {
			p.InfoPretty(fmt.Sprintf("Flash skipped, %s unchanged", f.Image))
		} else {
			p.Field("flashed", fmt.Sprintf("%s (%d bytes in %s)", f.Image, f.Bytes, f.Duration.Round(time.Millisecond)))
		}
	}
	for _, s := range r.Slots {
		line := s.State.String()
		if s.LastError != "" {
			line += ": " + s.LastError
		}
		p.Field(s.Name, line)
	}
	if len(r.Abandoned) > 0 {
		p.WarnPretty("Abandoned during shutdown: " + strings.Join(r.Abandoned, ", "))
	}
	p.Field("duration", r.Duration.Round(time.Millisecond))

	switch r.Outcome {
	case status.Success:
		p.Success("Session finished")
	case status.PartialFailure:
		p.WarnPretty("Session finished with failures")
	default:
		p.ErrorPretty("Session failed", nil)
	}
}
