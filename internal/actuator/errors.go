package actuator

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected    = errors.New("actuator not connected")
	ErrTimeout         = errors.New("actuator did not acknowledge in time")
	ErrRejected        = errors.New("actuator rejected command")
	ErrDeviceNotPaired = fmt.Errorf("device not paired: %w", ErrRejected)
	ErrWriteFailed     = errors.New("failed to write to serial port")
)

// Error describes a failed exchange. Kind is one of the sentinel errors
// above and is matched by errors.Is.
type Error struct {
	Kind    error
	Command string
	Reply   string
}

func (e *Error) Error() string {
	if e.Reply != "" {
		return fmt.Sprintf("%s: %v (reply %q)", e.Command, e.Kind, e.Reply)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Kind
}
