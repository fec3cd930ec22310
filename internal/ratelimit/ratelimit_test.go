package ratelimit

import (
	"errors"
	"testing"
)

func TestUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestBurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	if err := l.Allow("k"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestKeysIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("a"); err != nil {
		t.Fatalf("first request for a: %v", err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected a exhausted, got %v", err)
	}
	if err := l.Allow("b"); err != nil {
		t.Fatalf("b should have its own bucket: %v", err)
	}
}

func TestBurstDefaultsToRate(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 2})
	if l.burst != 2 {
		t.Errorf("burst = %v, want 2", l.burst)
	}
}
