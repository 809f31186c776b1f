package redislock

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-ledger/internal/logger"
)

// Redis holds an occasion-scoped operation lock for deployments running
// more than one ledger instance. The in-process guard inside the ledger is
// the authoritative reentrancy defense; this lock only keeps two instances
// from interleaving money-moving operations on the same occasion.
type Redis struct {
	Client *redis.Client
	Logger *logger.Logger
}

func NewRedis(client *redis.Client, log *logger.Logger) *Redis {
	return &Redis{Client: client, Logger: log}
}

// getLockDuration returns the occasion lock TTL from the environment or the
// default value.
func (r *Redis) getLockDuration() time.Duration {
	defaultDuration := 30 * time.Second

	lockTTLStr := os.Getenv("OCCASION_LOCK_TTL_SECONDS")
	if lockTTLStr == "" {
		return defaultDuration
	}

	lockTTLSec, err := strconv.Atoi(lockTTLStr)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("REDIS", "Invalid OCCASION_LOCK_TTL_SECONDS value '"+lockTTLStr+"', using default 30 seconds")
		}
		return defaultDuration
	}

	return time.Duration(lockTTLSec) * time.Second
}

// LockOccasion takes the lock for one occasion. The holder token lets only
// the locking request release it.
func (r *Redis) LockOccasion(ctx context.Context, occasionID uint64, holder string) (bool, error) {
	key := fmt.Sprintf("occasion_lock:%d", occasionID)
	return r.Client.SetNX(ctx, key, holder, r.getLockDuration()).Result()
}

// UnlockOccasion releases the lock if the caller still holds it.
func (r *Redis) UnlockOccasion(ctx context.Context, occasionID uint64, holder string) error {
	key := fmt.Sprintf("occasion_lock:%d", occasionID)
	val, err := r.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil // already released
	}
	if err != nil {
		return err
	}
	if val == holder {
		_, err := r.Client.Del(ctx, key).Result()
		return err
	}
	return nil
}

// WithOccasionLock runs fn while holding the occasion lock, waiting briefly
// when another instance holds it.
func (r *Redis) WithOccasionLock(ctx context.Context, occasionID uint64, holder string, fn func() error) error {
	for {
		ok, err := r.LockOccasion(ctx, occasionID, holder)
		if err != nil {
			return fmt.Errorf("redis lock error: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer func() {
		if err := r.UnlockOccasion(ctx, occasionID, holder); err != nil && r.Logger != nil {
			r.Logger.Warn("REDIS", fmt.Sprintf("failed to unlock occasion %d: %v", occasionID, err))
		}
	}()
	return fn()
}
