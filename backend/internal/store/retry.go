package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type RetryPolicy struct {
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxRetry: 4, BaseBackoff: 20 * time.Millisecond, MaxBackoff: 500 * time.Millisecond}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装的错误不会被重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func permanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe) ||
		errors.Is(err, ErrStaleSnapshotCycle) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDocumentTooLarge) ||
		errors.Is(err, ErrMetaVersionConflict) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// withRetry 对瞬时失败重试，每次退避时间 x2
func withRetry(ctx context.Context, p RetryPolicy, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= p.MaxRetry; attempt++ {
		if err = fn(); err == nil || permanent(err) {
			return err
		}
		if attempt == p.MaxRetry {
			break
		}
		backoff := p.BaseBackoff * time.Duration(1<<attempt)
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
		zap.S().Warnw("store operation failed, retrying", "op", op, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
