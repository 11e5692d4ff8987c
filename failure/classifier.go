// Package failure implements the failure classifier: it distinguishes
// transient failures (which count toward retries) from terminal ones
// (which skip straight to Failed).
package failure

import (
	"context"
	"errors"

	"github.com/ahmads7/taskledger/bus"
	"github.com/ahmads7/taskledger/ledger"
)

// Category is the outcome of classifying a processing error.
type Category int

const (
	// Transient failures count toward the task's retry budget:
	// database unavailability, lock-lost, or a timeout within the
	// processing budget.
	Transient Category = iota
	// Terminal failures skip retry entirely and go straight to
	// Failed: the handler reported an unrecoverable condition.
	Terminal
)

func (c Category) String() string {
	if c == Terminal {
		return "Terminal"
	}
	return "Transient"
}

// TerminalError is the distinguished error value a TaskHandler returns
// to signal an unrecoverable condition: one that should fail the task
// outright rather than consume a retry.
type TerminalError struct {
	Cause error
}

func (e *TerminalError) Error() string {
	if e.Cause == nil {
		return "terminal failure"
	}
	return "terminal failure: " + e.Cause.Error()
}

func (e *TerminalError) Unwrap() error { return e.Cause }

// NewTerminal wraps cause as a TerminalError.
func NewTerminal(cause error) error {
	return &TerminalError{Cause: cause}
}

// Classify inspects err and returns the category the worker loop
// should act on.
func Classify(err error) Category {
	if err == nil {
		return Transient
	}
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return Terminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, ledger.ErrDatabaseOperation) || errors.Is(err, ledger.ErrDatabaseUnavailable) {
		return Transient
	}
	if errors.Is(err, bus.ErrLockLost) {
		return Transient
	}
	return Transient
}
