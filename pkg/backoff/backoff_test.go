// pkg/backoff/backoff_test.go
package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/tradestream/pkg/backoff"
	"github.com/YaganovValera/tradestream/pkg/logger"
)

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	cfg := backoff.Config{MaxElapsedTime: time.Second}
	log := logger.NewNop()
	called := 0
	err := backoff.Execute(context.Background(), cfg, log, func(ctx context.Context) error {
		called++
		return nil
	})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
}

func TestExecute_EventualSuccess(t *testing.T) {
	cfg := backoff.Config{InitialInterval: 5 * time.Millisecond, Multiplier: 1, DisableJitter: true, MaxRetries: 10}
	log := logger.NewNop()
	attemptsBeforeSuccess := 3
	called := 0
	err := backoff.Execute(context.Background(), cfg, log, func(ctx context.Context) error {
		called++
		if called < attemptsBeforeSuccess {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if called != attemptsBeforeSuccess {
		t.Errorf("expected %d attempts, got %d", attemptsBeforeSuccess, called)
	}
}

func TestExecute_MaxRetriesExceeded(t *testing.T) {
	cfg := backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, DisableJitter: true, MaxRetries: 3}
	log := logger.NewNop()
	called := 0
	sentinel := errors.New("always fail")
	err := backoff.Execute(context.Background(), cfg, log, func(ctx context.Context) error {
		called++
		return sentinel
	})
	var maxErr *backoff.ErrMaxRetries
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if called != 4 {
		t.Errorf("expected 1 attempt + 3 retries, got %d calls", called)
	}
	if maxErr.Attempts != called {
		t.Errorf("attempts mismatch: ErrMaxRetries.Attempts=%d, actual=%d", maxErr.Attempts, called)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected ErrMaxRetries to wrap the last error")
	}
}

func TestExecute_PermanentStopsImmediately(t *testing.T) {
	cfg := backoff.Config{InitialInterval: time.Millisecond, MaxRetries: 5}
	sentinel := errors.New("fatal")
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		return backoff.Permanent(sentinel)
	})
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected permanent error to surface, got %v", err)
	}
	var maxErr *backoff.ErrMaxRetries
	if errors.As(err, &maxErr) {
		t.Errorf("permanent error must not be reported as ErrMaxRetries")
	}
}

func TestExecute_CancelDuringSleep(t *testing.T) {
	cfg := backoff.Config{InitialInterval: time.Hour, MaxInterval: time.Hour, DisableJitter: true}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := backoff.Execute(ctx, cfg, logger.NewNop(), func(ctx context.Context) error {
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("sleep was not interrupted by cancellation")
	}
}

func TestNewStrategy_CapAndNoJitter(t *testing.T) {
	b, err := backoff.NewStrategy(backoff.Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     300 * time.Millisecond,
		Multiplier:      2,
		DisableJitter:   true,
	})
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("delay #%d = %v; want %v", i, got, w)
		}
	}
}

func TestNewStrategy_InvalidConfig(t *testing.T) {
	if _, err := backoff.NewStrategy(backoff.Config{RandomizationFactor: 2}); err == nil {
		t.Error("expected error for RandomizationFactor > 1")
	}
}
