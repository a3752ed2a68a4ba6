// Package netcheck validates the instrument address and checks it answers
// ICMP echo before a connection is attempted.
package netcheck

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
)

var (
	// ErrInvalidAddress is returned for anything but a dotted IPv4 literal.
	ErrInvalidAddress = errors.New("this is not a valid ip")
	// ErrUnreachable is returned when the host does not answer ping.
	ErrUnreachable = errors.New("can't ping oscilloscope")
)

var ipPattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// pingArgs builds the system ping invocation; replaced in tests.
var pingArgs = func(host string) []string {
	return []string{"ping", "-c", "1", host}
}

// ValidateAddress accepts four dot-separated groups of one to three digits.
// Octet ranges are not checked.
func ValidateAddress(addr string) error {
	if !ipPattern.MatchString(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}

// Ping sends a single echo request with the system ping tool. Any non-zero
// exit is reported as ErrUnreachable.
func Ping(ctx context.Context, host string) error {
	args := pingArgs(host)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w %s: %v", ErrUnreachable, host, err)
	}
	return nil
}

// Check runs ValidateAddress then Ping.
func Check(ctx context.Context, addr string) error {
	if err := ValidateAddress(addr); err != nil {
		return err
	}
	return Ping(ctx, addr)
}
