package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KauaneAlmeida/projet-backendd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	short := clk.After(time.Second)
	long := clk.After(time.Minute)
	if got := clk.Pending(); got != 2 {
		t.Fatalf("expected 2 pending timers, got %d", got)
	}
	clk.Advance(2 * time.Second)
	select {
	case fired := <-short:
		if !fired.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", fired)
		}
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	if got := clk.Pending(); got != 1 {
		t.Fatalf("expected 1 pending timer, got %d", got)
	}
}

func TestManualBlockUntilSeesTimerFromGoroutine(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		clk.Sleep(time.Second)
		close(done)
	}()
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("timer was never registered")
	}
	clk.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleeper not released")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := clock.Wait(ctx, clk, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := clock.Wait(context.Background(), clk, 0); err != nil {
		t.Fatalf("zero wait returned %v", err)
	}
}
