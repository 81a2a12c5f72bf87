// Package lease implements a Redis leader lease that keeps a single
// dispatcher active across hosts.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultKey is the Redis key holding the dispatcher lease.
const DefaultKey = "mailqueue:dispatcher:leader"

// ErrLost is reported when a held lease could not be renewed.
var ErrLost = errors.New("lease lost")

// renewScript extends the TTL only while the caller still holds the lease.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only while the caller still holds the lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config configures the lease.
type Config struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// Lease is a single holder's view of the leader key.
type Lease struct {
	client *redis.Client
	key    string
	holder string
	ttl    time.Duration
	log    zerolog.Logger
}

// New creates a Lease with a random holder id. Empty key and non-positive
// ttl fall back to DefaultKey and 30 seconds.
func New(client *redis.Client, cfg Config, log zerolog.Logger) *Lease {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	return &Lease{
		client: client,
		key:    cfg.Key,
		holder: uuid.NewString(),
		ttl:    cfg.TTL,
		log:    log.With().Str("lease_key", cfg.Key).Logger(),
	}
}

// Holder returns the id written into the lease key.
func (l *Lease) Holder() string { return l.holder }

// Acquire takes the lease with SET NX PX. It reports false when another
// holder has it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Renew extends the lease. It reports false when the lease expired or
// passed to another holder.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release gives the lease up if it is still held.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// Keep renews the lease every third of its TTL until ctx is done. It calls
// onLost once and returns ErrLost when a renewal fails to confirm
// ownership.
func (l *Lease) Keep(ctx context.Context, onLost func()) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ok, err := l.Renew(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.log.Warn().Err(err).Msg("lease renewal failed")
				continue
			}
			if !ok {
				l.log.Error().Str("holder", l.holder).Msg("lease lost")
				if onLost != nil {
					onLost()
				}
				return ErrLost
			}
		}
	}
}
