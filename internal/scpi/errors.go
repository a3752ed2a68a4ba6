package scpi

import (
	"errors"
	"fmt"
)

var (
	// ErrGateExhausted is returned when a bounded gate policy runs out of
	// attempts (or time) before the instrument reports completion.
	ErrGateExhausted = errors.New("operation-complete gate not satisfied")

	// ErrShortBlock marks a waveform data block shorter than requested.
	ErrShortBlock = errors.New("short data block")

	// ErrMalformedResponse marks a response that does not have the expected shape.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrExhausted is returned by RetryPolicy.Do when the policy gives up.
	ErrExhausted = errors.New("retry policy exhausted")

	errNotConnected = errors.New("not connected")
)

// ProtocolError reports a recoverable desynchronization between the link and
// the instrument: a gate that never passed, a short block, an answer that
// cannot be parsed.
type ProtocolError struct {
	Op      string
	Command string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("scpi %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("scpi %s %q: %v", e.Op, e.Command, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Malformed builds a ProtocolError for a response that could not be parsed.
func Malformed(op, command string, cause error) error {
	if cause == nil {
		return &ProtocolError{Op: op, Command: command, Err: ErrMalformedResponse}
	}
	return &ProtocolError{Op: op, Command: command, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, cause)}
}
