package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMirroredLimiterFairnessAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	quotas := map[Category]Quota{CategoryAPI: {Capacity: 3, Window: time.Minute}}

	// Two limiter instances sharing one Redis stand in for two replicas.
	a := NewMirrored(client, quotas)
	b := NewMirrored(client, quotas)

	if d := a.Acquire(CategoryAPI, "c"); !d.Allowed {
		t.Fatalf("first request limited: %+v", d)
	}
	if d := b.Acquire(CategoryAPI, "c"); !d.Allowed {
		t.Fatalf("second request limited: %+v", d)
	}
	if d := a.Acquire(CategoryAPI, "c"); !d.Allowed {
		t.Fatalf("third request limited: %+v", d)
	}
	// Instance b has local tokens left but the shared window is spent.
	d := b.Acquire(CategoryAPI, "c")
	if d.Allowed {
		t.Fatalf("expected shared window to limit fourth request, got %+v", d)
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected retry-after from mirror ttl, got %+v", d)
	}
}

func TestMirroredLimiterWindowExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	quotas := map[Category]Quota{CategoryAPI: {Capacity: 60, Window: 50 * time.Millisecond}}
	l := NewMirrored(client, quotas)

	l.Acquire(CategoryAPI, "c")
	mr.FastForward(60 * time.Millisecond)
	if d := l.Acquire(CategoryAPI, "c"); !d.Allowed {
		t.Fatalf("expected mirror window to reset, got %+v", d)
	}
}

func TestMirroredLimiterFailsOpenWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	l := NewMirrored(client, map[Category]Quota{CategoryAPI: {Capacity: 2, Window: time.Minute}})
	l.Timeout = 20 * time.Millisecond
	if d := l.Acquire(CategoryAPI, "c"); !d.Allowed {
		t.Fatalf("redis outage must not block an in-memory allowance: %+v", d)
	}
	// The local check stays authoritative and fail-closed.
	l.Acquire(CategoryAPI, "c")
	if d := l.Acquire(CategoryAPI, "c"); d.Allowed {
		t.Fatal("local bucket exhaustion must still limit")
	}
}

func TestMirroredLimiterNilClient(t *testing.T) {
	l := NewMirrored(nil, nil)
	if d := l.Acquire(CategoryAPI, "c"); !d.Allowed {
		t.Fatalf("nil client must fall back to local limiter: %+v", d)
	}
	if l.Prefix != "rl:" {
		t.Fatalf("expected default prefix, got %q", l.Prefix)
	}
}
