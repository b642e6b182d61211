package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/types"
)

// ErrTransient marks an error as safe to retry
var ErrTransient = errors.New("transient error")

// RetryPolicy bounds how often and how fast an operation is retried
type RetryPolicy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// DefaultRetryPolicy returns three attempts with exponential backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
	}
}

// Validate checks the retry policy
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if p.InitialInterval <= 0 {
		return fmt.Errorf("initial interval must be positive")
	}
	if p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("max interval must not be below initial interval")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1")
	}
	return nil
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// MarkTransient wraps err so IsTransient reports true
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is a network-level failure worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// WithRetry runs op until it succeeds, fails with a non-transient error,
// or the policy runs out of attempts. Exhausted retries are reported as
// types.ErrInfrastructureUnavailable.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, logger *zap.Logger, name string, op func(context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, wait time.Duration) {
		if logger != nil {
			logger.Warn("Transient failure, retrying",
				zap.String("operation", name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}
	}

	result, err := backoff.RetryNotifyWithData(operation, policy.backOff(ctx), notify)
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return result, fmt.Errorf("%s: %w", name, err)
	}
	if IsTransient(err) {
		return result, fmt.Errorf("%s failed after %d attempts: %w: %w", name, attempt, types.ErrInfrastructureUnavailable, err)
	}
	return result, err
}

// Retry is WithRetry for operations without a result
func Retry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, name string, op func(context.Context) error) error {
	_, err := WithRetry(ctx, policy, logger, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
