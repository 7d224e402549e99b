package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation does not fit the container's
	// lifecycle stage (starting twice, stopping a halted domain, ...).
	ErrInvalidState = errors.New("invalid container state")

	// ErrCapacity is returned when the pool already tracks its maximum number of containers.
	ErrCapacity = errors.New("running containers maximum amount was reached")

	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("timed out")

	ErrNotFound       = errors.New("container not found")
	ErrAlreadyTracked = errors.New("container is already tracked")
	ErrShellClosed    = errors.New("endpoint shell is closed")
	ErrPortsExhausted = errors.New("no bindable port found in range")
)

// TimeoutError reports a domain that never obtained an IP address.
type TimeoutError struct {
	UUID    string
	Tryouts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("container %s: no IP address after %d tryouts", e.UUID, e.Tryouts)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// CommandError carries the output of a guest command that did not complete silently.
type CommandError struct {
	UUID       string // container the command ran in
	Command    string
	Stdout     string
	Stderr     string
	ExitStatus int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("container %s: command %q failed (exit status %d): stdout=%q stderr=%q",
		e.UUID, e.Command, e.ExitStatus, e.Stdout, e.Stderr)
}

// stateError wraps ErrInvalidState with the container and the reason.
func stateError(uuid, reason string) error {
	return fmt.Errorf("container %s: %s: %w", uuid, reason, ErrInvalidState)
}
