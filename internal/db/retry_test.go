package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWithRetryOnRetriesTransientFailures(t *testing.T) {
	attempts := 0
	errLocked := errors.New("database is locked")
	err := WithRetryOn(context.Background(), IsDeadlock, func() error {
		attempts++
		if attempts < 3 {
			return errLocked
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetryOnNeverRetriesProgrammingErrors(t *testing.T) {
	attempts := 0
	err := WithRetryOn(context.Background(), func(error) bool { return true }, func() error {
		attempts++
		return fmt.Errorf("%w: bad call", ErrProgramming)
	})
	if !errors.Is(err, ErrProgramming) {
		t.Fatalf("expected programming error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestWithRetryOnStopsAfterMaxRetries(t *testing.T) {
	attempts := 0
	errDeadlock := errors.New("deadlock detected")
	err := WithRetryOn(context.Background(), IsDeadlock, func() error {
		attempts++
		return errDeadlock
	})
	if !errors.Is(err, errDeadlock) {
		t.Fatalf("expected deadlock error to surface, got %v", err)
	}
	if attempts != maxRetries {
		t.Fatalf("expected %d attempts, got %d", maxRetries, attempts)
	}
}

func TestWithRetryOnPropagatesNonTransientFailures(t *testing.T) {
	attempts := 0
	errOther := errors.New("syntax error")
	err := WithRetryOn(context.Background(), IsDeadlock, func() error {
		attempts++
		return errOther
	})
	if !errors.Is(err, errOther) {
		t.Fatalf("expected error to surface, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}
