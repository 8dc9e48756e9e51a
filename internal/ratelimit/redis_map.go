package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// casScript atomically compares the current value of KEYS[1] against ARGV[1]
// and, if equal, sets it to ARGV[2] and publishes a change notification on
// KEYS[2]. It returns 1 when the swap happened, 0 otherwise.
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	redis.call("PUBLISH", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// RedisMap adapts a Redis client into the clusterMap surface the adaptive
// rate limiter needs: a single string value per key, compare-and-swap, and
// pub/sub fan-out of changes. It replaces the Pulse replicated map the
// provider-side limiter used previously; change notifications use a
// dedicated "<key>:changed" channel rather than a generic map-wide stream.
type RedisMap struct {
	rdb *redis.Client
}

// NewRedisMap wraps an existing Redis client.
func NewRedisMap(rdb *redis.Client) *RedisMap {
	return &RedisMap{rdb: rdb}
}

func (m *RedisMap) changedChannel(key string) string {
	return key + ":changed"
}

// Get returns the current string value for key, or ok=false if unset.
func (m *RedisMap) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := m.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ratelimit: redis get %q: %w", key, err)
	}
	return v, true, nil
}

// SetIfNotExists sets key to value only if it does not already exist,
// returning whether the set happened.
func (m *RedisMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// TestAndSet atomically replaces key's value with newValue only if its
// current value equals testValue, publishing a change notification on
// success. It returns whether the swap occurred.
func (m *RedisMap) TestAndSet(ctx context.Context, key, testValue, newValue string) (bool, error) {
	res, err := casScript.Run(ctx, m.rdb, []string{key, m.changedChannel(key)}, testValue, newValue).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis cas %q: %w", key, err)
	}
	return res == 1, nil
}

// Subscribe returns a channel that receives one notification per observed
// change to key. The channel is closed when ctx is canceled or the
// underlying subscription errors out.
func (m *RedisMap) Subscribe(ctx context.Context, key string) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := m.rdb.Subscribe(ctx, m.changedChannel(key))
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
