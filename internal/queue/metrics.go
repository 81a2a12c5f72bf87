package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/sungwon/mailqueue/internal/email"
	"github.com/sungwon/mailqueue/internal/metrics"
)

// ReportDepth publishes the per-status record counts to the queue depth
// gauge.
func ReportDepth(ctx context.Context, c StatusCounter) error {
	counts, err := c.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count emails by status: %w", err)
	}
	out := make(map[string]int64, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	metrics.SetQueueDepth(out)
	return nil
}

func outcomeLabel(s email.Status) string {
	if s == email.StatusWaitingForNextAttempt {
		return "retry"
	}
	return strings.ReplaceAll(string(s), "-", "_")
}
