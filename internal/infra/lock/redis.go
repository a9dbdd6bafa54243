package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if this holder still owns it.
// KEYS[1] = lock key, ARGV[1] = holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if this holder still owns it.
// KEYS[1] = lock key, ARGV[1] = holder token, ARGV[2] = ttl in ms
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

const pollInterval = 25 * time.Millisecond

// Redis is a per-key lock backed by SET NX PX. The TTL bounds how long a
// crashed holder can block a contract; a live holder keeps extending it
// every ttl/3 until release, so work may outlast the TTL.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	prefix string
}

// NewRedis creates a Redis locker on an existing client.
func NewRedis(client redis.UniversalClient, ttl, wait time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, wait: wait, prefix: "contracts:lock:"}
}

// NewRedisClient builds a go-redis client for addr.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

// Acquire polls SET NX until it wins, ctx ends or the wait budget runs out.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, &domain.ErrExternalService{Service: "redis", Err: fmt.Errorf("acquire lock: %w", err)}
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &domain.ErrConcurrencyConflict{ContractID: key, Reason: "lock held by another worker"}
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go r.keepAlive(k, token, stop, stopped)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			// release must not be skipped because the caller's ctx ended
			relCtx, relCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer relCancel()
			_ = releaseScript.Run(relCtx, r.client, []string{k}, token).Err()
		})
	}, nil
}

// keepAlive extends the lock until stop closes or ownership is lost.
func (r *Redis) keepAlive(k, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
		n, err := refreshScript.Run(ctx, r.client, []string{k}, token, r.ttl.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			// expired and possibly taken by someone else
			return
		}
	}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
