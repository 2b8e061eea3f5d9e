// Package provider runs an ordered list of data-source attempts and returns
// the first success.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("provider: all attempts failed")

// Attempt is one named source.
type Attempt[T any] struct {
	Name  string
	Fetch func(ctx context.Context) (T, error)
}

// First tries attempts in order and returns the first value that came back
// without error, along with the name of the source that produced it.
func First[T any](ctx context.Context, attempts ...Attempt[T]) (T, string, error) {
	var zero T
	var errs []error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		v, err := a.Fetch(ctx)
		if err == nil {
			return v, a.Name, nil
		}
		log.Debug().Err(err).Str("source", a.Name).Msg("provider: attempt failed")
		errs = append(errs, fmt.Errorf("%s: %w", a.Name, err))
	}
	return zero, "", fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}
