package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/utafrali/storecart/internal/repository"
)

const lockKeyPrefix = "cart:context-lock:"

// unlockScript deletes the key only when it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ContextLock is a short-lived per-cart mutex for locale/currency switches.
type ContextLock struct {
	client *redis.Client
	ttl    time.Duration
}

var _ repository.ContextLocker = (*ContextLock)(nil)

// NewContextLock creates a lock whose keys expire after ttl.
func NewContextLock(client *redis.Client, ttl time.Duration) *ContextLock {
	return &ContextLock{
		client: client,
		ttl:    ttl,
	}
}

// TryLock takes the lock without waiting.
func (l *ContextLock) TryLock(ctx context.Context, cartID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+cartID, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx context lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases the lock if token still owns it.
func (l *ContextLock) Unlock(ctx context.Context, cartID, token string) error {
	if err := unlockScript.Run(ctx, l.client, []string{lockKeyPrefix + cartID}, token).Err(); err != nil {
		return fmt.Errorf("redis release context lock: %w", err)
	}
	return nil
}
