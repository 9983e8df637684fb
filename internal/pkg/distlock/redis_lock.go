package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every lock key this service writes.
const KeyPrefix = "sequence-engine:lock:"

// ErrNotHeld is returned by Extend when the lock is no longer ours.
var ErrNotHeld = errors.New("lock not held")

// Both scripts act only when the key still carries our token, so a lock
// that expired and was taken over is never released or extended by us.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

var _ Extender = (*RedisLock)(nil)

// RedisLock is a SET NX PX lock owned through a random token.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLock returns an unacquired lock on KeyPrefix+key.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: KeyPrefix + key, token: newToken(), ttl: ttl}
}

func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("t%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Key is the Redis key backing the lock.
func (l *RedisLock) Key() string { return l.key }

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release deletes the key if it is still ours. Releasing an expired lock
// is not an error.
func (l *RedisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis unlock %s: %w", l.key, err)
	}
	return nil
}

// Extend resets the expiry to ttl from now.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
