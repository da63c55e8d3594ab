package pv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type timeoutChannel struct {
	ch      Channel
	timeout time.Duration
}

// WithTimeout bounds every call on ch. The underlying call keeps running in
// its own goroutine after a timeout; its result is discarded.
func WithTimeout(ch Channel, timeout time.Duration) Channel {
	return &timeoutChannel{ch: ch, timeout: timeout}
}

type readResult struct {
	value   float64
	powered bool
	err     error
}

func (t *timeoutChannel) Read(ctx context.Context, name string) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan readResult, 1)
	go func() {
		v, p, err := t.ch.Read(ctx, name)
		done <- readResult{v, p, err}
	}()

	select {
	case r := <-done:
		if errors.Is(r.err, context.DeadlineExceeded) {
			return 0, false, t.wrap(ctx, "read", name)
		}
		return r.value, r.powered, r.err
	case <-ctx.Done():
		return 0, false, t.wrap(ctx, "read", name)
	}
}

func (t *timeoutChannel) Write(ctx context.Context, name string, value float64) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- t.ch.Write(ctx, name, value)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return t.wrap(ctx, "write", name)
		}
		return err
	case <-ctx.Done():
		return t.wrap(ctx, "write", name)
	}
}

func (t *timeoutChannel) wrap(ctx context.Context, op, name string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s after %v", ErrTimeout, op, name, t.timeout)
	}
	return fmt.Errorf("pv: %s %s: %w", op, name, ctx.Err())
}
