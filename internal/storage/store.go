// Package storage persists captures handed over by the acquisition loop.
package storage

import (
	"context"
	"errors"

	"github.com/rjboer/tracecap/internal/acquire"
)

// Backend is a capture store that holds resources until closed.
type Backend interface {
	Save(ctx context.Context, c acquire.Capture) error
	Close() error
}

// MultiStore saves each capture to every backend in order. The first failing
// backend stops the save.
type MultiStore []Backend

func (m MultiStore) Save(ctx context.Context, c acquire.Capture) error {
	for _, b := range m {
		if err := b.Save(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every backend and joins their errors.
func (m MultiStore) Close() error {
	var errs []error
	for _, b := range m {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
