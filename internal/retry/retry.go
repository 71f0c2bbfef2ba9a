// Package retry is the single caller-side retry helper: exponential backoff
// with jitter around any operation that may fail transiently.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	"github.com/JakeFAU/gateway-dispatcher/internal/proxy"
)

// Policy parameterizes one call site.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// OnRetry, when set, is called before each repeated attempt with the
	// 1-based number of the attempt that failed.
	OnRetry func(attempt uint, err error)
}

// Permanent marks err so it is returned without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return retrygo.Unrecoverable(err)
}

// Do runs fn until it succeeds, the attempts are spent, or ctx is done.
// Cancellation and an exhausted proxy pool are never retried.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	v, err := retrygo.DoWithData(func() (T, error) {
		return fn(ctx)
	}, p.options(ctx)...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		var zero T
		return zero, fmt.Errorf("retry aborted: %w", ctxErr)
	}
	if err != nil {
		return v, err
	}
	return v, nil
}

func (p Policy) options(ctx context.Context) []retrygo.Option {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	opts := []retrygo.Option{
		retrygo.Context(ctx),
		retrygo.Attempts(uint(attempts)),
		retrygo.Delay(p.BaseDelay),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(retryable),
	}
	if p.BaseDelay > 0 {
		opts = append(opts,
			retrygo.MaxJitter(p.BaseDelay),
			retrygo.DelayType(retrygo.CombineDelay(retrygo.BackOffDelay, retrygo.RandomDelay)),
		)
	} else {
		opts = append(opts, retrygo.DelayType(retrygo.FixedDelay))
	}
	if p.MaxDelay > 0 {
		opts = append(opts, retrygo.MaxDelay(p.MaxDelay))
	}
	if p.OnRetry != nil {
		onRetry := p.OnRetry
		opts = append(opts, retrygo.OnRetry(func(n uint, err error) {
			onRetry(n+1, err)
		}))
	}
	return opts
}

func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, proxy.ErrPoolExhausted):
		return false
	}
	return true
}
