package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"projectlens/internal/domain"
)

// ========== Do ==========

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Once, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesTransientOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Once, func(ctx context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDo_DoesNotRetryPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Once, func(ctx context.Context) error {
		calls++
		return domain.ErrInvalidQuery
	})
	if !errors.Is(err, domain.ErrInvalidQuery) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_SecondAttemptSucceeds(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return &domain.OcrServiceError{Status: 502}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDo_InvalidPolicy(t *testing.T) {
	if err := Do(context.Background(), Policy{}, func(ctx context.Context) error { return nil }); !errors.Is(err, ErrInvalidAttempts) {
		t.Errorf("err = %v, want ErrInvalidAttempts", err)
	}
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Once, func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

// ========== Value ==========

func TestValue_ReturnsResult(t *testing.T) {
	calls := 0
	got, err := Value(context.Background(), Once, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", context.DeadlineExceeded
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("got (%q, %v), want (ok, nil)", got, err)
	}
}
