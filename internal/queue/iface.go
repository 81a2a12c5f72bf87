package queue

import (
	"context"
	"time"

	"github.com/sungwon/mailqueue/internal/email"
	"github.com/sungwon/mailqueue/internal/provider"
)

// Store is the part of the queue store the dispatcher needs.
type Store interface {
	SelectNext(ctx context.Context, now time.Time) (*email.Record, error)
	ClaimNext(ctx context.Context, now time.Time, ttl time.Duration) (*email.Record, error)
	UpdateEmail(ctx context.Context, rec *email.Record) error
}

// Builder rebuilds transport messages from records and releases the staged
// attachments of delivered records.
type Builder interface {
	ToMessage(ctx context.Context, rec *email.Record) (*provider.Message, error)
	Release(ctx context.Context, rec *email.Record) error
}

// Waiter blocks until timeout elapses, ctx is done, or new work is
// announced, whichever comes first.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration)
}

// StatusCounter reports how many records are in each status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[email.Status]int64, error)
}

// SleepWaiter is a Waiter that only sleeps.
type SleepWaiter struct{}

// Wait sleeps for timeout or until ctx is done.
func (SleepWaiter) Wait(ctx context.Context, timeout time.Duration) {
	sleep(ctx, timeout)
}

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
