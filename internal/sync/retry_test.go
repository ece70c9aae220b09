package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/civicmap/civicmap/server/internal/model"
)

func TestRequestWithRetry_SucceedsAfterFailures(t *testing.T) {
	old := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = old }()

	calls := 0
	v, err := RequestWithRetry(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 || calls != 3 {
		t.Fatalf("v=%d calls=%d", v, calls)
	}
}

func TestRequestWithRetry_ExhaustionWrapsNoResponse(t *testing.T) {
	old := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = old }()

	calls := 0
	_, err := RequestWithRetry(context.Background(), func() (string, error) {
		calls++
		return "", errors.New("down")
	}, 3)
	if !errors.Is(err, model.ErrNoResponse) {
		t.Fatalf("want ErrNoResponse, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("want 3 attempts, got %d", calls)
	}
}

func TestRequestWithRetry_ContextCancelStopsWaiting(t *testing.T) {
	old := retryBaseDelay
	retryBaseDelay = time.Hour
	defer func() { retryBaseDelay = old }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := RequestWithRetry(ctx, func() (int, error) {
			return 0, errors.New("down")
		}, 5)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestRequestWithRetry_ZeroAttemptsStillCallsOnce(t *testing.T) {
	calls := 0
	v, err := RequestWithRetry(context.Background(), func() (int, error) {
		calls++
		return 7, nil
	}, 0)
	if err != nil || v != 7 || calls != 1 {
		t.Fatalf("v=%d calls=%d err=%v", v, calls, err)
	}
}
