package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/koltyakov/proxyvpn/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBackoff() (*Backoff, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(store.NewCache(store.NewMemory(), clk.now)), clk
}

func TestSuspendGrowsAndCaps(t *testing.T) {
	t.Parallel()

	b, clk := newBackoff()
	ctx := context.Background()
	start := clk.t

	wantExp := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	var prev time.Time
	for i, want := range wantExp {
		st, err := b.Suspend(ctx, "creds", 5*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if st.Increment != i+1 {
			t.Fatalf("call %d: increment %d", i, st.Increment)
		}
		if got := st.Expiration.Sub(start); got != want {
			t.Fatalf("call %d: expiration +%s, want +%s", i, got, want)
		}
		if !st.Expiration.After(prev) {
			t.Fatal("expiration must grow monotonically")
		}
		prev = st.Expiration
		if !b.IsSuspended(ctx, "creds") {
			t.Fatal("expected suspended right after Suspend")
		}
	}

	for range 10 {
		if _, err := b.Suspend(ctx, "creds", 5*time.Second); err != nil {
			t.Fatal(err)
		}
	}
	st, _ := b.Suspend(ctx, "creds", 5*time.Second)
	if got := st.Expiration.Sub(start); got != 300*time.Second {
		t.Fatalf("expiration must cap at 300s, got %s", got)
	}
	if got := st.Forget.Sub(start); got != 620*time.Second {
		t.Fatalf("forget must cap at 600s+20s, got %s", got)
	}
}

func TestForgivenessResetsCounter(t *testing.T) {
	t.Parallel()

	b, clk := newBackoff()
	ctx := context.Background()

	for range 3 {
		if _, err := b.Suspend(ctx, "loads", 5*time.Second); err != nil {
			t.Fatal(err)
		}
	}
	// Third call: expiration +20s, forget +40s+20s.
	clk.advance(21 * time.Second)
	if b.IsSuspended(ctx, "loads") {
		t.Fatal("expected suspension over after expiration")
	}
	clk.advance(40 * time.Second)
	if b.IsSuspended(ctx, "loads") {
		t.Fatal("expected false after forget")
	}
	st, err := b.Suspend(ctx, "loads", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.Increment != 1 {
		t.Fatalf("expected counter restart at 1, got %d", st.Increment)
	}
}

func TestKeysAreIndependentAndResettable(t *testing.T) {
	t.Parallel()

	b, _ := newBackoff()
	ctx := context.Background()

	if _, err := b.Suspend(ctx, "a", time.Second); err != nil {
		t.Fatal(err)
	}
	if b.IsSuspended(ctx, "b") {
		t.Fatal("unrelated key must not be suspended")
	}
	if err := b.Reset(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if b.IsSuspended(ctx, "a") {
		t.Fatal("expected reset to clear suspension")
	}
}
