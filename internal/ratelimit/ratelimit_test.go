package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCounter_WindowReset(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewMemoryCounter()
	c.now = func() time.Time { return now }

	for i := int64(1); i <= 3; i++ {
		n, err := c.Incr(context.Background(), "u1", time.Minute)
		if err != nil || n != i {
			t.Fatalf("incr %d: n=%d err=%v", i, n, err)
		}
	}

	// Separate keys do not share windows.
	if n, _ := c.Incr(context.Background(), "u2", time.Minute); n != 1 {
		t.Fatalf("u2 count = %d, want 1", n)
	}

	now = now.Add(61 * time.Second)
	if n, _ := c.Incr(context.Background(), "u1", time.Minute); n != 1 {
		t.Fatalf("count after expiry = %d, want 1", n)
	}
}

func TestLimiter_Allow(t *testing.T) {
	c := NewMemoryCounter()
	l := NewLimiter(c, 2, time.Minute)

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(context.Background(), "u1")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := l.Allow(context.Background(), "u1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Fatal("third request allowed over limit 2")
	}
}

type brokenCounter struct{}

func (brokenCounter) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestLimiter_FailsOpen(t *testing.T) {
	l := NewLimiter(brokenCounter{}, 1, time.Minute)
	ok, err := l.Allow(context.Background(), "u1")
	if !ok {
		t.Fatal("counter failure blocked the request")
	}
	if err == nil {
		t.Fatal("counter failure not surfaced for logging")
	}
}
