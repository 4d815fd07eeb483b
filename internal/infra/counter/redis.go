package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithCapScript performs check-and-increment in one round trip so two
// workers racing on the same account/destination cannot both slip under the cap.
var incrWithCapScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
if current + delta > cap then
  return {current, 0}
end
current = redis.call('INCRBY', KEYS[1], delta)
if tonumber(ARGV[3]) > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {current, 1}
`)

// RedisStore is a redis-backed counter store shared across scheduler nodes.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a counter store over the provided redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// IncrWithCap atomically applies delta unless the result would exceed cap.
func (s *RedisStore) IncrWithCap(ctx context.Context, key string, delta, cap int64, ttl time.Duration) (int64, bool, error) {
	result, err := incrWithCapScript.Run(ctx, s.client, []string{key}, delta, cap, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("counter incr %s: %w", key, err)
	}
	if len(result) != 2 {
		return 0, false, fmt.Errorf("counter incr %s: unexpected script reply %v", key, result)
	}
	used, _ := result[0].(int64)
	applied, _ := result[1].(int64)
	return used, applied == 1, nil
}

// Decr subtracts delta from the counter, flooring at zero.
func (s *RedisStore) Decr(ctx context.Context, key string, delta int64) error {
	value, err := s.client.DecrBy(ctx, key, delta).Result()
	if err != nil {
		return fmt.Errorf("counter decr %s: %w", key, err)
	}
	if value < 0 {
		// Compensations never push usage below zero.
		if err := s.client.Set(ctx, key, 0, redis.KeepTTL).Err(); err != nil {
			return fmt.Errorf("counter floor %s: %w", key, err)
		}
	}
	return nil
}

// Get returns the counter value; missing keys read as zero.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter get %s: %w", key, err)
	}
	return value, nil
}
