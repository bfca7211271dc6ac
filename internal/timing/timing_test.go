package timing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koltyakov/proxyvpn/internal/domain"
)

func TestJitterBounds(t *testing.T) {
	t.Parallel()

	for range 200 {
		got := Jitter(10*time.Second, 2*time.Second)
		if got < 8*time.Second || got > 12*time.Second {
			t.Fatalf("jitter out of bounds: %s", got)
		}
	}
	if got := Jitter(time.Second, 5*time.Second); got < 0 {
		t.Fatalf("jitter must clamp at zero, got %s", got)
	}
	if got := Jitter(3*time.Second, 0); got != 3*time.Second {
		t.Fatalf("zero jitter must return d, got %s", got)
	}
}

func TestDelayHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Delay(ctx, time.Hour, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := Delay(context.Background(), time.Millisecond, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeoutAfterReturnsResult(t *testing.T) {
	t.Parallel()

	got, err := TimeoutAfter(context.Background(), time.Second, "op", nil, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("got %d, %v", got, err)
	}
}

func TestTimeoutAfterDropsLateResult(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var finished atomic.Bool
	_, err := TimeoutAfter(context.Background(), 20*time.Millisecond, "load user", nil, func(ctx context.Context) (string, error) {
		<-release
		finished.Store(true)
		return "late", nil
	})
	var te *domain.TimeoutError
	if !errors.As(err, &te) || te.Op != "load user" {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	close(release)
	deadline := time.Now().Add(time.Second)
	for !finished.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !finished.Load() {
		t.Fatal("operation should keep running after the timeout fired")
	}
}

func TestTimeoutAfterCustomError(t *testing.T) {
	t.Parallel()

	custom := errors.New("auth challenge timed out")
	_, err := TimeoutAfter(context.Background(), time.Millisecond, "op", custom, func(ctx context.Context) (int, error) {
		time.Sleep(50 * time.Millisecond)
		return 0, nil
	})
	if !errors.Is(err, custom) {
		t.Fatalf("expected custom error, got %v", err)
	}
}

func TestRemainingAndFormat(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0)
	if got := Remaining(now.Add(-time.Second), now); got != 0 {
		t.Fatalf("expected clamp to zero, got %s", got)
	}
	tests := map[time.Duration]string{
		0:                               "0:00",
		65 * time.Second:                "1:05",
		time.Hour + 2*time.Minute + 3e9: "1:02:03",
	}
	for in, want := range tests {
		if got := FormatRemaining(in); got != want {
			t.Fatalf("FormatRemaining(%s): got %q, want %q", in, got, want)
		}
	}
}
