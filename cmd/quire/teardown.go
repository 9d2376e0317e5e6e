package main

import (
	"context"
	"errors"
	"fmt"
)

// teardown releases what serve opened, most recent first. Every step runs
// even when an earlier one fails.
type teardown struct {
	steps []teardownStep
}

type teardownStep struct {
	name string
	fn   func(context.Context) error
}

func (t *teardown) add(name string, fn func(context.Context) error) {
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
}

// addCloser registers a Close method that takes no context.
func (t *teardown) addCloser(name string, closeFn func() error) {
	t.add(name, func(context.Context) error { return closeFn() })
}

// run releases everything within stopTimeout and returns cause joined with
// any release errors.
func (t *teardown) run(cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	errs := []error{cause}
	for i := len(t.steps) - 1; i >= 0; i-- {
		s := t.steps[i]
		if err := s.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	t.steps = nil
	return errors.Join(errs...)
}
