package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_BurstThenDeny(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	key := "user:1"
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("request %d should fit in the burst", i)
		}
	}
	if limiter.Allow(key) {
		t.Error("request past the burst should be denied")
	}
}

func TestAllow_Replenishes(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 600, // 10 tokens per second
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	key := "user:2"
	limiter.Allow(key)
	limiter.Allow(key)
	if limiter.Allow(key) {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(200 * time.Millisecond)

	if !limiter.Allow(key) {
		t.Error("bucket should have refilled a token")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	limiter.Allow("user:3")
	limiter.Allow("user:3")
	if limiter.Allow("user:3") {
		t.Fatal("user:3 should be exhausted")
	}
	if !limiter.Allow("user:4") {
		t.Error("user:4 has its own bucket")
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	limiter := New(Config{})
	defer limiter.Stop()

	if limiter.cfg.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want default 60", limiter.cfg.RequestsPerMinute)
	}
	if limiter.cfg.BurstSize != 10 {
		t.Errorf("BurstSize = %d, want default 10", limiter.cfg.BurstSize)
	}
}
