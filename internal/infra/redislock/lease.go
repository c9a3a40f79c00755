// Package redislock — распределенная аренда ключа поверх SetNX с токеном владельца.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired — ключ арендован другим владельцем.
var ErrNotAcquired = errors.New("lease is held by another owner")

// Снимаем только свою аренду: между GET и DEL ее мог перехватить другой инстанс
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type Locker struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Locker{rdb: rdb, ttl: ttl}
}

// Lease — удерживаемая аренда.
type Lease struct {
	key   string
	token string
	rdb   *redis.Client
}

func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{key: key, token: token, rdb: l.rdb}, nil
}

// Release освобождает аренду. Истекшая или чужая аренда не трогается.
func (le *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, le.rdb, []string{le.key}, le.token).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", le.key, err)
	}
	return nil
}
