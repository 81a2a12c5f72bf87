package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockedOut is returned while a username is locked after too many
// failed authentication attempts.
var ErrLockedOut = errors.New("temporarily locked due to too many failed attempts")

// LockoutConfig holds failed authentication limits.
type LockoutConfig struct {
	// Attempts is the number of failures before lockout. Zero disables it.
	Attempts int `mapstructure:"attempts"`
	// Duration is how long a username stays locked.
	Duration time.Duration `mapstructure:"duration"`
}

// Lockout counts failed authentications per username in Redis. A Lockout
// with a nil client never locks anyone out.
type Lockout struct {
	client *redis.Client
	config LockoutConfig
}

// NewLockout creates a Lockout.
func NewLockout(client *redis.Client, config LockoutConfig) *Lockout {
	if config.Duration <= 0 {
		config.Duration = 15 * time.Minute
	}
	return &Lockout{client: client, config: config}
}

func (l *Lockout) disabled() bool {
	return l == nil || l.client == nil || l.config.Attempts <= 0
}

func lockoutKey(username string) string {
	return fmt.Sprintf("mailqueue:auth:failed:%s", username)
}

// Check returns ErrLockedOut when username has too many recent failures.
func (l *Lockout) Check(ctx context.Context, username string) error {
	if l.disabled() {
		return nil
	}
	count, err := l.client.Get(ctx, lockoutKey(username)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("check lockout: %w", err)
	}
	if int(count) >= l.config.Attempts {
		return ErrLockedOut
	}
	return nil
}

// RecordFailure increments the failure counter for username.
func (l *Lockout) RecordFailure(ctx context.Context, username string) error {
	if l.disabled() {
		return nil
	}
	pipe := l.client.Pipeline()
	pipe.Incr(ctx, lockoutKey(username))
	pipe.Expire(ctx, lockoutKey(username), l.config.Duration)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record failed auth: %w", err)
	}
	return nil
}

// Clear resets the failure counter for username.
func (l *Lockout) Clear(ctx context.Context, username string) error {
	if l.disabled() {
		return nil
	}
	return l.client.Del(ctx, lockoutKey(username)).Err()
}
