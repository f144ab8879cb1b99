package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockoutConfig tunes the failed-login lockout.
type LockoutConfig struct {
	Prefix      string
	MaxFailures int
	Window      time.Duration
}

// Lockout counts failed sign-ins per email in Redis.
type Lockout struct {
	redis  redis.UniversalClient
	config LockoutConfig
}

// NewLockout returns a lockout backed by client. A nil client or a
// non-positive MaxFailures disables it.
func NewLockout(client redis.UniversalClient, cfg LockoutConfig) *Lockout {
	if cfg.Prefix == "" {
		cfg.Prefix = "sk"
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	return &Lockout{redis: client, config: cfg}
}

func (l *Lockout) enabled() bool {
	return l != nil && l.redis != nil && l.config.MaxFailures > 0
}

// Check returns ErrRateLimited once email has used up its failure budget.
func (l *Lockout) Check(ctx context.Context, email string) error {
	if !l.enabled() {
		return nil
	}
	count, err := l.redis.Get(ctx, l.key(email)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count >= int64(l.config.MaxFailures) {
		return ErrRateLimited
	}
	return nil
}

// Fail records a failed attempt. It returns ErrRateLimited when this attempt
// used up the budget.
func (l *Lockout) Fail(ctx context.Context, email string) error {
	if !l.enabled() {
		return nil
	}
	key := l.key(email)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	// fixed window: only the first hit sets the TTL
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.config.Window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	if count >= int64(l.config.MaxFailures) {
		return ErrRateLimited
	}
	return nil
}

// Reset clears the counter after a successful sign-in.
func (l *Lockout) Reset(ctx context.Context, email string) error {
	if !l.enabled() {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Failures returns the current count. Unknown emails report zero.
func (l *Lockout) Failures(ctx context.Context, email string) (int, error) {
	if !l.enabled() {
		return 0, nil
	}
	count, err := l.redis.Get(ctx, l.key(email)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(max(count, 0)), nil
}

func (l *Lockout) key(email string) string {
	return l.config.Prefix + ":lf:" + strings.ToLower(strings.TrimSpace(email))
}
