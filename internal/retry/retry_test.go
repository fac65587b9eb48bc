package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickerwire/pkg/logx"
)

var fastPolicy = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), fastPolicy, logx.Nop(), "fetch", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	t.Parallel()
	boom := errors.New("still down")
	calls := 0
	err := Do(context.Background(), fastPolicy, logx.Nop(), "fetch", func(ctx context.Context) error {
		calls++
		return boom
	})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("terminal error does not wrap last failure: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestPermanentShortCircuits(t *testing.T) {
	t.Parallel()
	auth := errors.New("401 unauthorized")
	calls := 0
	err := Do(context.Background(), fastPolicy, logx.Nop(), "fetch", func(ctx context.Context) error {
		calls++
		return Permanent(auth)
	})
	if !errors.Is(err, auth) {
		t.Fatalf("err = %v, want wrapped auth error", err)
	}
	if calls != 1 {
		t.Fatalf("permanent failure consumed %d attempts, want 1", calls)
	}
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()
	if IsPermanent(errors.New("plain")) {
		t.Fatal("plain error reported permanent")
	}
	if !IsPermanent(Permanent(errors.New("bad"))) {
		t.Fatal("Permanent error not detected")
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Hour}, logx.Nop(), "fetch", func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry after cancel)", calls)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	t.Parallel()
	p := Policy{BaseDelay: time.Second, MaxDelay: 4 * time.Second, Jitter: 0.000001, MaxAttempts: 10}.withDefaults()
	for retry := 1; retry <= 10; retry++ {
		d := backoffDelay(p, retry)
		if d > 5*time.Second {
			t.Fatalf("retry %d: delay %v exceeds cap", retry, d)
		}
	}
}
