package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultStream is the Redis stream that carries enqueue announcements.
const DefaultStream = "mailqueue:enqueued"

// streamMaxLen caps the announcement stream; entries are only wake-up hints.
const streamMaxLen = 1000

// Redis publishes and waits on announcements through a Redis stream.
type Redis struct {
	client *redis.Client
	stream string
	log    zerolog.Logger

	mu     sync.Mutex
	lastID string
}

// NewRedis creates a Redis notifier on stream. An empty stream uses
// DefaultStream.
func NewRedis(client *redis.Client, stream string, log zerolog.Logger) *Redis {
	if stream == "" {
		stream = DefaultStream
	}
	return &Redis{client: client, stream: stream, log: log, lastID: "$"}
}

// Publish appends id to the stream with XADD.
func (r *Redis) Publish(ctx context.Context, id uuid.UUID) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"email_id": id.String(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd to stream %s: %w", r.stream, err)
	}
	return nil
}

// Wait blocks on XREAD for up to timeout. It returns early when an entry
// newer than the last one seen arrives.
func (r *Redis) Wait(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	start := time.Now()

	r.mu.Lock()
	lastID := r.lastID
	r.mu.Unlock()

	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.stream, lastID},
		Count:   10,
		Block:   timeout,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			r.log.Warn().Err(err).Str("stream", r.stream).Msg("xread failed, falling back to sleep")
			sleep(ctx, timeout-time.Since(start))
		}
		return
	}

	for _, s := range streams {
		if n := len(s.Messages); n > 0 {
			r.mu.Lock()
			r.lastID = s.Messages[n-1].ID
			r.mu.Unlock()
			r.log.Debug().
				Str("email_id", fmt.Sprint(s.Messages[n-1].Values["email_id"])).
				Int("entries", n).
				Msg("woken by enqueue announcement")
		}
	}
}
