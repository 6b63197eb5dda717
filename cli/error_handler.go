package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/grovetools/embed/errors"
)

// ErrorHandler provides user-friendly error messages
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates a new error handler writing to stderr
func NewErrorHandler(verbose bool) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     os.Stderr,
	}
}

// Handle prints a message for err based on its code and returns err.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}
	out := h.Out
	if out == nil {
		out = os.Stderr
	}
	ge, _ := errors.As(err)
	detail := func(key string) interface{} {
		if ge == nil {
			return nil
		}
		return ge.Details[key]
	}
	cause := err
	if ge != nil && ge.Cause != nil {
		cause = ge.Cause
	}

	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		fmt.Fprintf(out, "❌ Configuration not found at %v\n", detail("path"))
		fmt.Fprintf(out, "Create an Embed.toml in the project or pass --chip to run without one.\n")

	case errors.ErrCodeConfigInvalid:
		fmt.Fprintf(out, "❌ Invalid configuration: %v\n", err)
		fmt.Fprintf(out, "Run 'embed config show' to see the merged configuration.\n")

	case errors.ErrCodeConfigConflict:
		fmt.Fprintf(out, "❌ %v and %v cannot be used together\n", detail("first"), detail("second"))
		if ge != nil {
			fmt.Fprintf(out, "%s\n", ge.Message)
		}

	case errors.ErrCodeProbeBusy:
		fmt.Fprintf(out, "❌ Probe %v is in use by another embed session (pid %v)\n", detail("probe"), detail("pid"))
		fmt.Fprintf(out, "Stop that session first, or select another probe with --probe.\n")

	case errors.ErrCodeAttachFailed:
		fmt.Fprintf(out, "❌ Could not attach to probe %v: %v\n", detail("probe"), cause)
		fmt.Fprintf(out, "Run 'embed probe list' to see the available probe drivers.\n")

	case errors.ErrCodeTransportLost:
		fmt.Fprintf(out, "❌ Lost the connection to the probe during %v\n", detail("operation"))
		fmt.Fprintf(out, "Check the cable and power, then start the session again.\n")

	case errors.ErrCodeFlashFailed:
		fmt.Fprintf(out, "❌ Flashing %v failed: %v\n", detail("image"), cause)

	case errors.ErrCodePortConflict:
		fmt.Fprintf(out, "❌ GDB server address %v is already in use\n", detail("address"))
		fmt.Fprintf(out, "Stop the conflicting process or pass another address with --gdb.\n")

	default:
		fmt.Fprintf(out, "❌ Error: %v\n", err)
	}

	if h.Verbose && ge != nil {
		fmt.Fprintf(out, "\nError details:\n%s\n", ge.ToJSON())
	}
	return err
}
