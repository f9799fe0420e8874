package middleware

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.allow("10.0.0.1:1234", now) {
			t.Fatalf("request %d should be within budget", i+1)
		}
	}
	if rl.allow("10.0.0.1:1234", now) {
		t.Error("request over the limit should be rejected")
	}
}

func TestRateLimiterIsolatesIPs(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Now()

	if !rl.allow("10.0.0.1:1234", now) {
		t.Fatal("first IP should be allowed")
	}
	if !rl.allow("10.0.0.2:1234", now) {
		t.Error("second IP must not share the first IP's budget")
	}
}

func TestRateLimiterResetsAfterWindow(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Now()

	rl.allow("10.0.0.1:1234", now)
	if rl.allow("10.0.0.1:1234", now) {
		t.Fatal("second request in the window should be rejected")
	}

	later := now.Add(time.Minute + time.Second)
	if !rl.allow("10.0.0.1:1234", later) {
		t.Error("a fresh window should reset the budget")
	}
}

func TestAuthRateLimiterPolicy(t *testing.T) {
	rl := NewAuthRateLimiter()

	if rl.limit != AuthRateLimit {
		t.Errorf("Expected limit %d, got %d", AuthRateLimit, rl.limit)
	}
	if rl.window != AuthRateWindow {
		t.Errorf("Expected window %v, got %v", AuthRateWindow, rl.window)
	}
}
