package scpi

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy bounds a polling loop. The zero value polls forever with no
// pause between attempts.
type RetryPolicy struct {
	MaxAttempts uint64        // 0 means unbounded
	Interval    time.Duration // pause between attempts, 0 means none
	Timeout     time.Duration // overall budget, 0 means none
}

// Unbounded reports whether the policy can only end on success or on
// context cancellation.
func (p RetryPolicy) Unbounded() bool {
	return p.MaxAttempts == 0 && p.Timeout == 0
}

var errPending = errors.New("pending")

// Do runs op until it reports done, returns an error, or the policy gives up.
// An error from op stops the loop immediately and is returned unchanged.
// Exhaustion returns ErrExhausted; cancellation of ctx returns ctx.Err().
func (p RetryPolicy) Do(ctx context.Context, op func() (done bool, err error)) error {
	parent := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.Interval > 0 {
		b = backoff.NewConstantBackOff(p.Interval)
	}
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}

	err := backoff.Retry(func() error {
		done, err := op()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errPending
		}
		return nil
	}, backoff.WithContext(b, ctx))

	if errors.Is(err, errPending) {
		if perr := parent.Err(); perr != nil {
			return perr
		}
		return ErrExhausted
	}
	return err
}
