// Package fault holds the client-side failure policies: how often a call is
// attempted (RetryStrategy) and what happens once it has failed for good
// (ToleranceStrategy).
package fault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"krpc/message"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var ErrRetryExhausted = errors.New("fault: retry attempts exhausted")

// Call is one attempt of a remote call.
type Call func(ctx context.Context) (*message.RpcResponse, error)

type RetryStrategy interface {
	DoRetry(ctx context.Context, call Call) (*message.RpcResponse, error)
	Name() string
}

const (
	NoRetryName            = "no"
	FixedIntervalRetryName = "fixedInterval"
)

// NoRetry makes exactly one attempt.
type NoRetry struct{}

func (NoRetry) DoRetry(ctx context.Context, call Call) (*message.RpcResponse, error) {
	return call(ctx)
}

func (NoRetry) Name() string { return NoRetryName }

// FixedIntervalRetry makes up to MaxAttempts attempts with Interval between them.
// A response carrying a remote exception counts as success here; only transport
// level failures are retried.
type FixedIntervalRetry struct {
	MaxAttempts int
	Interval    time.Duration
	Logger      *zap.Logger
	// OnRetry runs before every attempt after the first.
	OnRetry func(attempt int, err error)
}

func NewFixedIntervalRetry(maxAttempts int, interval time.Duration, logger *zap.Logger) *FixedIntervalRetry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FixedIntervalRetry{MaxAttempts: maxAttempts, Interval: interval, Logger: logger}
}

func (r *FixedIntervalRetry) Name() string { return FixedIntervalRetryName }

func (r *FixedIntervalRetry) DoRetry(ctx context.Context, call Call) (*message.RpcResponse, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		resp    *message.RpcResponse
		lastErr error
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		resp, err = call(ctx)
		if err != nil {
			lastErr = err
		}
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.Interval), uint64(attempts-1)), ctx)

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		logger.Warn("call failed, retrying",
			zap.Int("attempt", attempt), zap.Int("maxAttempts", attempts),
			zap.Duration("wait", wait), zap.Error(err))
		if r.OnRetry != nil {
			r.OnRetry(attempt+1, err)
		}
	})
	if err == nil {
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		// 等待下一次重试时被取消
		return nil, fmt.Errorf("fault: retry aborted after %d attempts: %w", attempt, errors.Join(ctxErr, lastErr))
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, lastErr)
}

// NewRetryStrategy builds a strategy by config name.
func NewRetryStrategy(name string, maxAttempts int, interval time.Duration, logger *zap.Logger) (RetryStrategy, error) {
	switch name {
	case NoRetryName:
		return NoRetry{}, nil
	case FixedIntervalRetryName:
		return NewFixedIntervalRetry(maxAttempts, interval, logger), nil
	}
	return nil, fmt.Errorf("fault: unknown retry strategy %q", name)
}
