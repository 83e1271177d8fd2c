package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var errNoRedis = errors.New("redis not configured")

const balanceTTL = 5 * time.Minute

// releaseScript deletes the lock only if the caller still owns it.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

func balanceKey(userID uint64) string { return fmt.Sprintf("balance:%d", userID) }

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, userID uint64, bal decimal.Decimal) error {
	if r.rdb == nil {
		return errNoRedis
	}
	return r.rdb.Set(ctx, balanceKey(userID), bal.String(), balanceTTL).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, errNoRedis
	}
	str, err := r.rdb.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

// RedisLocker is a per-key mutex shared by every settler instance.
type RedisLocker struct {
	rdb     *redis.Client
	tokenFn func() string
}

// NewRedisLocker returns a locker on rdb.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, tokenFn: uuid.NewString}
}

// Acquire takes key for ttl and returns the owner token, or ErrLockHeld.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := l.tokenFn()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

// Release frees key if token still owns it.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if err := l.rdb.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
