// Package lock provides a Redis-backed lock so that several API replicas
// settle a given listing one at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by TryAcquire when another holder has the key.
var ErrHeld = errors.New("lock: held by another holder")

// Deletes the key only when it still carries the caller's token, so an
// expired holder cannot release its successor's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const DefaultRetryInterval = 50 * time.Millisecond

// Client is the part of *redis.Client the lock uses.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type Redis struct {
	rdb    Client
	unlock *redis.Script
	prefix string
	retry  time.Duration
}

func NewRedis(rdb Client) *Redis {
	return &Redis{
		rdb:    rdb,
		unlock: redis.NewScript(unlockLua),
		prefix: "bondmarket:lock:",
		retry:  DefaultRetryInterval,
	}
}

// Dial connects to url (redis://...) and verifies the server answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lock: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("lock: ping redis: %w", err)
	}
	return rdb, nil
}

// TryAcquire takes key for ttl or returns ErrHeld. The release func may be
// called more than once.
func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	k := r.prefix + key

	ok, err := r.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.unlock.Run(ctx, r.rdb, []string{k}, token).Err()
		})
	}, nil
}

// Acquire waits for key until ctx ends.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		release, err := r.TryAcquire(ctx, key, ttl)
		if !errors.Is(err, ErrHeld) {
			return release, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock: waiting for %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}
