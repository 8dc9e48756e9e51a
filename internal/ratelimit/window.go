package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope identifies the identity a named rate-limit window is keyed by.
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeUser   Scope = "user"
	ScopeTenant Scope = "tenant"
	ScopeGlobal Scope = "global"
)

// Window describes one named rate-limit rule: at most Limit requests within
// WindowSeconds, keyed by Scope.
type Window struct {
	Name          string
	Limit         int64
	WindowSeconds int64
	Scope         Scope
}

// Decision is the outcome of evaluating a Window against the current count.
type Decision struct {
	Window     Window
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// incrExpireScript increments KEYS[1] and, only on the first increment in the
// window, sets its expiry to ARGV[1] seconds. This keeps counter increment
// and expiry-arming atomic so a crash between the two commands can never
// leave a counter that counts forever.
var incrExpireScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// WindowLimiter evaluates named fixed-window rate limits against Redis
// counters. Each (window name, scope, identity) triple maps to one Redis key
// with a TTL equal to the window duration; the increment and the TTL arm are
// a single Lua call so concurrent requests cannot race a counter that never
// expires. The count resets only when the key expires, one window after its
// first increment; the window does not slide.
type WindowLimiter struct {
	rdb    *redis.Client
	prefix string
}

// NewWindowLimiter constructs a WindowLimiter. prefix namespaces keys (for
// example "agentcore:ratelimit") so the limiter can share a Redis instance
// with other subsystems without key collisions.
func NewWindowLimiter(rdb *redis.Client, prefix string) *WindowLimiter {
	if prefix == "" {
		prefix = "agentcore:ratelimit"
	}
	return &WindowLimiter{rdb: rdb, prefix: prefix}
}

func (l *WindowLimiter) key(w Window, identity string) string {
	return fmt.Sprintf("%s:%s:%s:%s", l.prefix, w.Name, w.Scope, identity)
}

// Allow increments the counter for w keyed by identity and reports whether
// the request should proceed. identity is the IP address, user id, tenant
// id, or a constant when Scope is ScopeGlobal.
func (l *WindowLimiter) Allow(ctx context.Context, w Window, identity string) (Decision, error) {
	key := l.key(w, identity)
	count, err := incrExpireScript.Run(ctx, l.rdb, []string{key}, w.WindowSeconds).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: window incr %q: %w", key, err)
	}
	d := Decision{Window: w, Count: count, Allowed: count <= w.Limit}
	if !d.Allowed {
		ttl, err := l.rdb.TTL(ctx, key).Result()
		if err == nil && ttl > 0 {
			d.RetryAfter = ttl
		} else {
			d.RetryAfter = time.Duration(w.WindowSeconds) * time.Second
		}
	}
	return d, nil
}

// AllowAll evaluates every window in ws against identity resolvers supplied
// by idFor, short-circuiting on the first denial so callers incur one
// 429 decision per request instead of aggregating multiple failures.
func (l *WindowLimiter) AllowAll(ctx context.Context, ws []Window, idFor func(Scope) string) (Decision, error) {
	for _, w := range ws {
		d, err := l.Allow(ctx, w, idFor(w.Scope))
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}
