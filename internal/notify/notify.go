// Package notify announces newly enqueued records so an idle dispatcher can
// skip the rest of its poll interval.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Publisher announces a newly enqueued record.
type Publisher interface {
	Publish(ctx context.Context, id uuid.UUID) error
}

// Notifier publishes announcements and waits for them.
type Notifier interface {
	Publisher
	Wait(ctx context.Context, timeout time.Duration)
}

// Config selects the notification backend.
type Config struct {
	// Type is "none" (default), "redis" or "sqs".
	Type        string `mapstructure:"type"`
	Stream      string `mapstructure:"stream"`
	SQSQueueURL string `mapstructure:"sqs_queue_url"`
	SQSRegion   string `mapstructure:"sqs_region"`
}

// New creates the configured Notifier. rdb is only used by the redis
// backend.
func New(ctx context.Context, cfg Config, rdb *redis.Client, log zerolog.Logger) (Notifier, error) {
	switch cfg.Type {
	case "", "none":
		return Nop{}, nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("notify: redis backend requires a redis client")
		}
		return NewRedis(rdb, cfg.Stream, log), nil
	case "sqs":
		if cfg.SQSQueueURL == "" {
			return nil, fmt.Errorf("notify: sqs_queue_url is required")
		}
		client, err := newAWSSQSClient(ctx, cfg.SQSRegion)
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		return NewSQS(client, cfg.SQSQueueURL, log), nil
	default:
		return nil, fmt.Errorf("notify: unsupported type %q", cfg.Type)
	}
}

// Nop drops announcements and waits for the full timeout.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, uuid.UUID) error { return nil }

// Wait sleeps for timeout or until ctx is done.
func (Nop) Wait(ctx context.Context, timeout time.Duration) { sleep(ctx, timeout) }

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
