package db

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxRetries bounds how many times a transient store failure is retried
// before it surfaces to the caller.
const maxRetries = 5

// retryBaseDelay is the first backoff interval; it doubles per attempt.
const retryBaseDelay = 20 * time.Millisecond

// WithRetry runs op, retrying up to maxRetries times when it fails with a
// deadlock or serialization error. Programming errors and every other
// failure propagate immediately.
func WithRetry(ctx context.Context, op func() error) error {
	return WithRetryOn(ctx, IsDeadlock, op)
}

// WithRetryOn runs op, retrying up to maxRetries times while retryable
// reports the failure as transient.
func WithRetryOn(ctx context.Context, retryable func(error) bool, op func() error) error {
	if op == nil {
		return errors.New("db: nil retry operation")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	delay := retryBaseDelay
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrProgramming) || retryable == nil || !retryable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		log.WithError(err).Warnf("db: transient failure, retrying (attempt=%d)", attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}
