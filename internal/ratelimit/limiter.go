// Package ratelimit tracks per-(account, endpoint-class) request budgets.
// State lives in Redis so replicas share one view; loss on restart only means
// buckets refill, which the platforms tolerate.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the non-blocking answer to an acquire request. When Granted is
// false, RetryAt is the earliest instant worth asking again.
type Decision struct {
	Granted bool
	RetryAt time.Time
}

// Limiter implements fixed-window budget accounting per account and endpoint
// class, backed by Redis with an in-process fallback when Redis is down.
type Limiter struct {
	client    *redis.Client
	window    time.Duration
	budgets   map[string]int
	defBudget int

	mu    sync.Mutex
	local map[string]*localBucket
}

type localBucket struct {
	remaining int
	resetAt   time.Time
}

// New constructs a limiter. budgets maps endpoint class to calls-per-window;
// classes without an entry use defaultBudget.
func New(client *redis.Client, window time.Duration, budgets map[string]int, defaultBudget int) *Limiter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if defaultBudget <= 0 {
		defaultBudget = 60
	}
	if budgets == nil {
		budgets = map[string]int{}
	}
	return &Limiter{
		client:    client,
		window:    window,
		budgets:   budgets,
		defBudget: defaultBudget,
		local:     map[string]*localBucket{},
	}
}

func (l *Limiter) budget(class string) int {
	if b, ok := l.budgets[class]; ok && b > 0 {
		return b
	}
	return l.defBudget
}

func key(accountID, class string) string {
	return fmt.Sprintf("ratelimit:%s:%s", accountID, class)
}

// TryAcquire consumes one call from the budget if available. It never blocks:
// the caller either proceeds or defers the attempt until Decision.RetryAt.
func (l *Limiter) TryAcquire(ctx context.Context, accountID, class string) Decision {
	now := time.Now()
	if l.client != nil {
		res, err := acquireScript.Run(ctx, l.client, []string{key(accountID, class)},
			l.budget(class), now.UnixMilli(), l.window.Milliseconds()).Result()
		if err == nil {
			if arr, ok := res.([]interface{}); ok && len(arr) >= 2 {
				granted := arr[0].(int64) == 1
				resetMs, _ := arr[1].(int64)
				d := Decision{Granted: granted}
				if !granted {
					d.RetryAt = time.UnixMilli(resetMs)
				}
				return d
			}
		}
		// Redis unavailable; fall through to conservative local accounting.
	}
	return l.acquireLocal(accountID, class, now)
}

func (l *Limiter) acquireLocal(accountID, class string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(accountID, class)
	b, ok := l.local[k]
	if !ok || !now.Before(b.resetAt) {
		b = &localBucket{remaining: l.budget(class), resetAt: now.Add(l.window)}
		l.local[k] = b
	}
	if b.remaining > 0 {
		b.remaining--
		return Decision{Granted: true}
	}
	return Decision{RetryAt: b.resetAt}
}

// SyncFromHeaders overwrites the bucket with a budget the platform reported
// in its response headers (X-RateLimit-Remaining / X-RateLimit-Reset style).
func (l *Limiter) SyncFromHeaders(ctx context.Context, accountID, class string, remaining int, resetAt time.Time) error {
	if remaining < 0 {
		remaining = 0
	}
	l.mu.Lock()
	l.local[key(accountID, class)] = &localBucket{remaining: remaining, resetAt: resetAt}
	l.mu.Unlock()

	if l.client == nil {
		return nil
	}
	return l.client.HSet(ctx, key(accountID, class),
		"remaining", remaining,
		"reset_ms", resetAt.UnixMilli(),
	).Err()
}

// acquireScript decrements the remaining budget or reports the window reset
// instant. The window restarts once the reset instant passes.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local budget = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'remaining', 'reset_ms')
local remaining = tonumber(data[1])
local reset = tonumber(data[2])

if remaining == nil or reset == nil or now >= reset then
  remaining = budget
  reset = now + window
end

local granted = 0
if remaining >= 1 then
  granted = 1
  remaining = remaining - 1
end

redis.call('HMSET', key, 'remaining', remaining, 'reset_ms', reset)
redis.call('PEXPIRE', key, window * 2)
return {granted, reset}
`)
