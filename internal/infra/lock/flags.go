package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/redis/go-redis/v9"
)

// raiseScript bumps a flag's count and (re)arms its expiry.
// KEYS[1] = flag key, ARGV[1] = ttl in ms
var raiseScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return n
`)

// lowerScript drops a flag's count and deletes it at zero.
// KEYS[1] = flag key
var lowerScript = redis.NewScript(`
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
    redis.call("DEL", KEYS[1])
end
return n
`)

// RedisFlags is a counted flag store shared by every replica. The TTL
// clears flags left behind by a crashed holder.
type RedisFlags struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisFlags creates a flag store on an existing client.
func NewRedisFlags(client redis.UniversalClient, ttl time.Duration) *RedisFlags {
	return &RedisFlags{client: client, ttl: ttl, prefix: "contracts:flag:"}
}

// Raise increments key's count.
func (f *RedisFlags) Raise(ctx context.Context, key string) error {
	if err := raiseScript.Run(ctx, f.client, []string{f.prefix + key}, f.ttl.Milliseconds()).Err(); err != nil {
		return &domain.ErrExternalService{Service: "redis", Err: fmt.Errorf("raise flag: %w", err)}
	}
	return nil
}

// Lower decrements key's count.
func (f *RedisFlags) Lower(ctx context.Context, key string) error {
	if err := lowerScript.Run(ctx, f.client, []string{f.prefix + key}).Err(); err != nil {
		return &domain.ErrExternalService{Service: "redis", Err: fmt.Errorf("lower flag: %w", err)}
	}
	return nil
}

// Raised reports whether key's count is above zero.
func (f *RedisFlags) Raised(ctx context.Context, key string) (bool, error) {
	n, err := f.client.Get(ctx, f.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, &domain.ErrExternalService{Service: "redis", Err: fmt.Errorf("read flag: %w", err)}
	}
	return n > 0, nil
}
