package ingestion

import "testing"

func TestUserRateLimiter_DisabledAllowsEverything(t *testing.T) {
	limiter := NewUserRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("user-a") {
			t.Fatalf("request %d refused with limiting disabled", i)
		}
	}
}

func TestUserRateLimiter_BurstThenRefusal(t *testing.T) {
	// 60 rpm gives a burst of 10.
	limiter := NewUserRateLimiter(60)

	for i := 0; i < 10; i++ {
		if !limiter.Allow("user-a") {
			t.Fatalf("request %d refused inside the burst", i)
		}
	}
	if limiter.Allow("user-a") {
		t.Error("request beyond the burst was allowed")
	}
}

func TestUserRateLimiter_PerUserIsolation(t *testing.T) {
	limiter := NewUserRateLimiter(6) // burst of one

	if !limiter.Allow("user-a") {
		t.Fatal("user-a's first request refused")
	}
	if limiter.Allow("user-a") {
		t.Error("user-a's second request allowed")
	}
	if !limiter.Allow("user-b") {
		t.Error("user-b throttled by user-a's requests")
	}
}

func TestUserRateLimiter_MinimumBurst(t *testing.T) {
	// Below 6 rpm the burst still rounds up to one request.
	limiter := NewUserRateLimiter(1)

	if !limiter.Allow("user-a") {
		t.Fatal("first request refused")
	}
	if limiter.Allow("user-a") {
		t.Error("second request allowed despite a burst of one")
	}
}
