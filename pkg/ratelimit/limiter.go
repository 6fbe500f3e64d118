package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Category selects which quota applies to a request.
type Category string

const (
	CategoryAPI      Category = "api"
	CategoryFeedback Category = "feedback"
	CategoryWebhook  Category = "webhook"
)

// CategoryForPath classifies a request path. Feedback submission paths get
// the tighter feedback quota; the stats endpoint is ordinary API traffic.
func CategoryForPath(path string) Category {
	switch {
	case strings.HasPrefix(path, "/api/feedback") && !strings.HasSuffix(path, "/stats") && !strings.Contains(path, "/stats/"):
		return CategoryFeedback
	case strings.HasPrefix(path, "/api/webhook"):
		return CategoryWebhook
	default:
		return CategoryAPI
	}
}

// Quota is a token-bucket configuration: Capacity tokens refilled
// continuously over Window. A zero Capacity means unlimited.
type Quota struct {
	Capacity int
	Window   time.Duration
}

func (q Quota) unlimited() bool { return q.Capacity <= 0 }

func (q Quota) refillRate() float64 {
	if q.Window <= 0 {
		return 0
	}
	return float64(q.Capacity) / q.Window.Seconds()
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type Limiter interface {
	Acquire(category Category, clientID string) Decision
}

// DefaultQuotas mirrors the production configuration: general API traffic
// at 60/minute, feedback submission at 10/hour, webhooks uncapped here
// (GitHub enforces its own delivery limits).
func DefaultQuotas() map[Category]Quota {
	return map[Category]Quota{
		CategoryAPI:      {Capacity: 60, Window: time.Minute},
		CategoryFeedback: {Capacity: 10, Window: time.Hour},
		CategoryWebhook:  {},
	}
}

const shardCount = 32

// BucketLimiter owns one token bucket per (category, client) pair, spread
// over locked shards so unrelated clients never contend on one lock.
// Refill and spend happen under a single shard lock, so an admit decision
// is atomic with the token it consumes.
type BucketLimiter struct {
	quotas map[Category]Quota
	shards [shardCount]bucketShard
	now    func() time.Time

	// idleGrace is how long an untouched bucket survives before eviction.
	// It is never shorter than the longest window, so eviction cannot
	// hand a still-limited client a fresh allowance.
	idleGrace time.Duration
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	sweeps  int
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

func NewBucketLimiter(quotas map[Category]Quota) *BucketLimiter {
	if len(quotas) == 0 {
		quotas = DefaultQuotas()
	}
	longest := time.Duration(0)
	for _, q := range quotas {
		if q.Window > longest {
			longest = q.Window
		}
	}
	grace := 2 * longest
	if grace < time.Hour {
		grace = time.Hour
	}
	l := &BucketLimiter{
		quotas:    quotas,
		now:       func() time.Time { return time.Now().UTC() },
		idleGrace: grace,
	}
	for i := range l.shards {
		l.shards[i].buckets = map[string]*bucket{}
	}
	return l
}

func (l *BucketLimiter) Acquire(category Category, clientID string) Decision {
	quota, ok := l.quotas[category]
	if !ok || quota.unlimited() {
		return Decision{Allowed: true, Limit: 0, Remaining: -1}
	}
	now := l.now()
	key := string(category) + ":" + clientID
	shard := &l.shards[fnv32(key)%shardCount]

	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.sweeps++
	if shard.sweeps%256 == 0 {
		shard.evictIdle(now, l.idleGrace)
	}
	b, ok := shard.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(quota.Capacity), lastRefill: now}
		shard.buckets[key] = b
	}
	b.refill(now, quota)
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{
			Allowed:   true,
			Limit:     quota.Capacity,
			Remaining: int(b.tokens),
			ResetAt:   now.Add(timeToFull(b.tokens, quota)),
		}
	}
	retryAfter := time.Duration((1 - b.tokens) / quota.refillRate() * float64(time.Second))
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{
		Allowed:    false,
		Limit:      quota.Capacity,
		Remaining:  0,
		RetryAfter: retryAfter,
		ResetAt:    now.Add(retryAfter),
	}
}

func (b *bucket) refill(now time.Time, quota Quota) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * quota.refillRate()
	if b.tokens > float64(quota.Capacity) {
		b.tokens = float64(quota.Capacity)
	}
	b.lastRefill = now
}

func timeToFull(tokens float64, quota Quota) time.Duration {
	missing := float64(quota.Capacity) - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / quota.refillRate() * float64(time.Second))
}

func (s *bucketShard) evictIdle(now time.Time, grace time.Duration) {
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) > grace {
			delete(s.buckets, key)
		}
	}
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
