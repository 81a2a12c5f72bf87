package storage

import (
	"context"
	"strings"

	"github.com/sungwon/mailqueue/internal/email"
)

// InsertLog appends a log line. Level is stored upper-case.
func (q *Queries) InsertLog(ctx context.Context, level, message string) error {
	_, err := q.db.Exec(ctx, `INSERT INTO email_log (level, message) VALUES ($1, $2)`,
		strings.ToUpper(level), message)
	return email.WrapQueue("insert log", err)
}

// ListLogs returns the latest entries, newest first.
func (q *Queries) ListLogs(ctx context.Context, limit int) ([]email.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
SELECT id, level, message, inserted_at FROM email_log
ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, email.WrapQueue("list logs", err)
	}
	defer rows.Close()

	var out []email.LogEntry
	for rows.Next() {
		var e email.LogEntry
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &e.InsertedAt); err != nil {
			return nil, email.WrapQueue("list logs", err)
		}
		out = append(out, e)
	}
	return out, email.WrapQueue("list logs", rows.Err())
}
