package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/webweaver-dev/webweaver/internal/breaker"
)

var errBoom = errors.New("boom")

func TestClosedBreakerPermitsCalls(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	err := b.Call(context.Background(), func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if b.State() != breaker.Closed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestTripsOpenAfterThreshold(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_ = b.Call(context.Background(), func(context.Context) error { return errBoom })
	}
	if b.State() != breaker.Open {
		t.Fatalf("expected open after threshold failures, got %v", b.State())
	}

	err := b.Call(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected ErrOpen while tripped, got %v", err)
	}
}

func TestHalfOpenProbeRecoversOnSuccess(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	_ = b.Call(context.Background(), func(context.Context) error { return errBoom })
	if b.State() != breaker.Open {
		t.Fatalf("expected open, got %v", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	err := b.Call(context.Background(), func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if b.State() != breaker.Closed {
		t.Fatalf("expected closed after successful probe, got %v", b.State())
	}
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	_ = b.Call(context.Background(), func(context.Context) error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	err := b.Call(context.Background(), func(context.Context) error { return errBoom })
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected the probe's own error, got %v", err)
	}
	if b.State() != breaker.Open {
		t.Fatalf("expected re-opened after failed probe, got %v", b.State())
	}
}
