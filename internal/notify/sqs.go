package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxSQSWait is the longest long-poll SQS accepts.
const maxSQSWait = 20 * time.Second

// SQS publishes and waits on announcements through an SQS queue.
type SQS struct {
	client   sqsAPI
	queueURL string
	log      zerolog.Logger
}

// NewSQS creates an SQS notifier on queueURL.
func NewSQS(client sqsAPI, queueURL string, log zerolog.Logger) *SQS {
	return &SQS{client: client, queueURL: queueURL, log: log}
}

// Publish sends id as the message body.
func (s *SQS) Publish(ctx context.Context, id uuid.UUID) error {
	err := s.client.SendMessage(ctx, &sqsSendInput{
		QueueURL:    s.queueURL,
		MessageBody: id.String(),
	})
	if err != nil {
		return fmt.Errorf("sqs send message: %w", err)
	}
	return nil
}

// Wait long-polls the queue for up to timeout, capped at the SQS maximum,
// and deletes what it receives.
func (s *SQS) Wait(ctx context.Context, timeout time.Duration) {
	start := time.Now()
	wait := timeout
	if wait > maxSQSWait {
		wait = maxSQSWait
	}

	msgs, err := s.client.ReceiveMessage(ctx, &sqsReceiveInput{
		QueueURL:            s.queueURL,
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     int32(wait / time.Second),
	})
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Str("queue_url", s.queueURL).Msg("sqs receive failed, falling back to sleep")
			sleep(ctx, timeout-time.Since(start))
		}
		return
	}

	for _, m := range msgs {
		if err := s.client.DeleteMessage(ctx, s.queueURL, m.ReceiptHandle); err != nil {
			s.log.Warn().Err(err).Str("message_id", m.MessageID).Msg("sqs delete failed")
		}
	}
	if len(msgs) > 0 {
		s.log.Debug().Int("messages", len(msgs)).Msg("woken by enqueue announcement")
		return
	}
	// Sub-second timeouts poll without blocking; sleep out the rest.
	sleep(ctx, timeout-time.Since(start))
}
