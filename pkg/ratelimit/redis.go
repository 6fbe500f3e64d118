package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var mirrorScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// MirroredLimiter layers a best-effort Redis window counter over the
// in-memory bucket limiter for cross-instance fairness. The in-memory
// check is authoritative and fail-closed; any Redis error falls open to
// the local decision so persistence trouble never blocks a request.
type MirroredLimiter struct {
	Local   *BucketLimiter
	Client  *redis.Client
	Quotas  map[Category]Quota
	Prefix  string
	Timeout time.Duration
}

func NewMirrored(client *redis.Client, quotas map[Category]Quota) *MirroredLimiter {
	if len(quotas) == 0 {
		quotas = DefaultQuotas()
	}
	return &MirroredLimiter{
		Local:   NewBucketLimiter(quotas),
		Client:  client,
		Quotas:  quotas,
		Prefix:  "rl:",
		Timeout: 2 * time.Second,
	}
}

func (l *MirroredLimiter) Acquire(category Category, clientID string) Decision {
	decision := l.Local.Acquire(category, clientID)
	if !decision.Allowed || l.Client == nil {
		return decision
	}
	quota, ok := l.Quotas[category]
	if !ok || quota.unlimited() {
		return decision
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)
	defer cancel()
	key := l.Prefix + string(category) + ":" + clientID
	res, err := mirrorScript.Run(ctx, l.Client, []string{key}, quota.Window.Milliseconds()).Result()
	if err != nil {
		return decision
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return decision
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if count <= int64(quota.Capacity) {
		return decision
	}
	if ttlMs < 0 {
		ttlMs = quota.Window.Milliseconds()
	}
	retryAfter := time.Duration(ttlMs) * time.Millisecond
	return Decision{
		Allowed:    false,
		Limit:      quota.Capacity,
		Remaining:  0,
		RetryAfter: retryAfter,
		ResetAt:    time.Now().UTC().Add(retryAfter),
	}
}
