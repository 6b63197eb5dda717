package errors

import (
	"fmt"
	"time"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *GroveError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *GroveError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// ConfigConflict reports two settings that cannot be enabled together.
func ConfigConflict(a, b, reason string) *GroveError {
	return New(ErrCodeConfigConflict, fmt.Sprintf("%s conflicts with %s: %s", a, b, reason)).
		WithDetail("first", a).
		WithDetail("second", b)
}

// AttachFailed creates an error for a probe that could not be opened.
func AttachFailed(selector string, err error) *GroveError {
	return Wrap(err, ErrCodeAttachFailed, fmt.Sprintf("failed to attach to probe %q", selector)).
		WithDetail("probe", selector)
}

// ProbeBusy reports a probe already owned by another session.
func ProbeBusy(selector string, pid int) *GroveError {
	return New(ErrCodeProbeBusy, fmt.Sprintf("probe %q is in use by process %d", selector, pid)).
		WithDetail("probe", selector).
		WithDetail("pid", pid)
}

// TransportLost wraps a failure of the probe link itself.
func TransportLost(op string, err error) *GroveError {
	return Wrap(err, ErrCodeTransportLost, fmt.Sprintf("probe connection lost during %s", op)).
		WithDetail("operation", op)
}

// Timeout creates an operation timeout error
func Timeout(op string, after time.Duration) *GroveError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", op, after)).
		WithDetail("operation", op).
		WithDetail("timeout", after.String())
}

// PreconditionFailed reports an operation issued in the wrong core state.
func PreconditionFailed(op, want string) *GroveError {
	return New(ErrCodePreconditionFailed, fmt.Sprintf("%s requires the core to be %s", op, want)).
		WithDetail("operation", op).
		WithDetail("required", want)
}

// ProbeFailed wraps an operation the probe rejected while the link stayed up,
// such as a bus fault on an unmapped address.
func ProbeFailed(op string, err error) *GroveError {
	return Wrap(err, ErrCodeProbeFailed, fmt.Sprintf("%s failed", op)).
		WithDetail("operation", op)
}

// Detached reports use of the handle after detach began.
func Detached() *GroveError {
	return New(ErrCodeDetached, "probe handle is detached")
}

// FlashFailed wraps a flash loader failure for the given image.
func FlashFailed(image string, err error) *GroveError {
	return Wrap(err, ErrCodeFlashFailed, fmt.Sprintf("flashing %s failed", image)).
		WithDetail("image", image)
}

// DecodeFailed reports a malformed record on an RTT channel.
func DecodeFailed(channel string, err error) *GroveError {
	return Wrap(err, ErrCodeDecodeFailed, fmt.Sprintf("decode error on channel %s", channel)).
		WithDetail("channel", channel)
}

// ProtocolError reports malformed remote protocol input.
func ProtocolError(reason string) *GroveError {
	return New(ErrCodeProtocolError, reason)
}

// PortConflict creates a listen failure error for addr.
func PortConflict(addr string, err error) *GroveError {
	return Wrap(err, ErrCodePortConflict, fmt.Sprintf("cannot listen on %s", addr)).
		WithDetail("address", addr)
}
