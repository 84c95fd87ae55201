package ratelimit

import (
	"testing"
	"time"
)

func TestBucketBurst(t *testing.T) {
	b := NewBucket(1, 3)

	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("request %d within burst was rejected", i)
		}
	}
	if b.Allow(1) {
		t.Error("request beyond burst was allowed")
	}
}

func TestBucketRefill(t *testing.T) {
	b := NewBucket(1000, 1)

	if !b.Allow(1) {
		t.Fatal("first request rejected")
	}
	if b.Allow(1) {
		t.Fatal("drained bucket allowed a request")
	}

	// At 1000 tokens/s the bucket holds a fresh token well within 50ms.
	time.Sleep(50 * time.Millisecond)
	if !b.Allow(1) {
		t.Error("bucket never refilled")
	}
}

func TestKeyedIsolation(t *testing.T) {
	k := NewKeyed(1, 1)

	if !k.Allow("alice") {
		t.Fatal("first request for alice rejected")
	}
	if k.Allow("alice") {
		t.Error("second request for alice exceeded burst")
	}
	if !k.Allow("bob") {
		t.Error("bob must not share alice's bucket")
	}
}
