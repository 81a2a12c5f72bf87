package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sungwon/mailqueue/internal/email"
)

const emailColumns = `
	e.id, e.status, e.failed_attempts_count, e.send_earliest_at,
	e.send_earliest_next_attempt_at, e.preparing_duration, e.sending_duration,
	e.note, e.inserted_at, e.sent_at,
	r.from_address, r.to_addresses, r.cc, r.bcc, r.reply_to, r.return_path,
	r.priority, r.subject, r.html_body, r.text_body, r.attachments,
	t.id, t.slug, t.path, t.max_allowed_attempts, t.note, t.inserted_at`

const emailFrom = `
FROM email e
JOIN email_raw r ON r.email_id = e.id
LEFT JOIN email_template t ON t.id = e.template_id`

// eligibleWhere selects records the dispatcher may send at $1.
const eligibleWhere = `
WHERE (e.status = 'in-queue'
       OR (e.status = 'waiting-for-next-attempt'
           AND (e.send_earliest_next_attempt_at IS NULL OR e.send_earliest_next_attempt_at <= $1)))
  AND (e.send_earliest_at IS NULL OR e.send_earliest_at <= $1)`

const eligibleOrder = `
ORDER BY r.priority ASC, e.inserted_at ASC
LIMIT 1`

const insertEmail = `
INSERT INTO email (
	id, status, failed_attempts_count, send_earliest_at, send_earliest_next_attempt_at,
	preparing_duration, sending_duration, note, template_id, inserted_at, sent_at,
	claimed_until
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const insertEmailRaw = `
INSERT INTO email_raw (
	email_id, from_address, to_addresses, cc, bcc, reply_to, return_path,
	priority, subject, html_body, text_body, attachments
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// InsertEmail stores the record and its raw payload atomically.
func (q *Queries) InsertEmail(ctx context.Context, rec *email.Record) error {
	if rec.Raw == nil {
		return email.WrapQueue("insert email", errors.New("record has no payload"))
	}
	raw := rec.Raw

	err := pgx.BeginFunc(ctx, q.db, func(tx pgx.Tx) error {
		var templateID *uuid.UUID
		if rec.Template != nil {
			templateID = &rec.Template.ID
		}
		if _, err := tx.Exec(ctx, insertEmail,
			rec.ID, string(rec.Status), rec.FailedAttemptsCount, rec.SendEarliestAt,
			rec.SendEarliestNextAttemptAt, rec.PreparingDuration, rec.SendingDuration,
			orEmpty(rec.Notes), templateID, rec.InsertedAt, rec.SentAt,
			rec.ClaimedUntil,
		); err != nil {
			return fmt.Errorf("insert email: %w", err)
		}

		attachments := raw.Attachments
		if attachments == nil {
			attachments = []email.StoredAttachment{}
		}
		if _, err := tx.Exec(ctx, insertEmailRaw,
			rec.ID, raw.From, orEmpty(raw.To), orEmpty(raw.Cc), orEmpty(raw.Bcc),
			raw.ReplyTo, raw.ReturnPath, raw.Priority, raw.Subject, raw.HTMLBody,
			raw.TextBody, attachments,
		); err != nil {
			return fmt.Errorf("insert email raw: %w", err)
		}
		return nil
	})
	return email.WrapQueue("insert email", err)
}

const updateEmail = `
UPDATE email SET
	status = $2,
	failed_attempts_count = $3,
	send_earliest_at = $4,
	send_earliest_next_attempt_at = $5,
	preparing_duration = $6,
	sending_duration = $7,
	note = $8,
	sent_at = $9,
	claimed_until = $10
WHERE id = $1`

// UpdateEmail persists the delivery state of rec, including its claim. The
// payload is immutable.
func (q *Queries) UpdateEmail(ctx context.Context, rec *email.Record) error {
	tag, err := q.db.Exec(ctx, updateEmail,
		rec.ID, string(rec.Status), rec.FailedAttemptsCount, rec.SendEarliestAt,
		rec.SendEarliestNextAttemptAt, rec.PreparingDuration, rec.SendingDuration,
		orEmpty(rec.Notes), rec.SentAt, rec.ClaimedUntil,
	)
	if err != nil {
		return email.WrapQueue("update email", err)
	}
	if tag.RowsAffected() == 0 {
		return email.WrapQueue("update email", fmt.Errorf("record %s: %w", rec.ID, email.ErrNotFound))
	}
	return nil
}

// SelectNext assumes a single dispatcher.
func (q *Queries) SelectNext(ctx context.Context, now time.Time) (*email.Record, error) {
	row := q.db.QueryRow(ctx, "SELECT"+emailColumns+emailFrom+eligibleWhere+eligibleOrder, now)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, email.WrapQueue("select next", err)
	}
	return rec, nil
}

const claimWhere = `
  AND (e.claimed_until IS NULL OR e.claimed_until <= $1)`

const claimLock = `
FOR UPDATE OF e SKIP LOCKED`

// ClaimNext locks the selected row so concurrent dispatchers skip it, then
// stamps claimed_until so the claim outlives the transaction.
func (q *Queries) ClaimNext(ctx context.Context, now time.Time, ttl time.Duration) (*email.Record, error) {
	var rec *email.Record
	err := pgx.BeginFunc(ctx, q.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, "SELECT"+emailColumns+emailFrom+eligibleWhere+claimWhere+eligibleOrder+claimLock, now)
		found, err := scanRecord(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found.Claim(now.Add(ttl))
		if _, err := tx.Exec(ctx, `UPDATE email SET claimed_until = $2 WHERE id = $1`, found.ID, found.ClaimedUntil); err != nil {
			return fmt.Errorf("stamp claim: %w", err)
		}
		rec = found
		return nil
	})
	if err != nil {
		return nil, email.WrapQueue("claim next", err)
	}
	return rec, nil
}

// GetEmailByID returns email.ErrNotFound for an unknown id.
func (q *Queries) GetEmailByID(ctx context.Context, id uuid.UUID) (*email.Record, error) {
	row := q.db.QueryRow(ctx, "SELECT"+emailColumns+emailFrom+"\nWHERE e.id = $1", id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, email.ErrNotFound
	}
	if err != nil {
		return nil, email.WrapQueue("get email", err)
	}
	return rec, nil
}

// ListEmails returns records newest first.
func (q *Queries) ListEmails(ctx context.Context, arg ListEmailsParams) ([]*email.Record, error) {
	limit := arg.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := q.db.Query(ctx, "SELECT"+emailColumns+emailFrom+`
WHERE ($1::text = '' OR e.status = $1::text)
ORDER BY e.inserted_at DESC
LIMIT $2 OFFSET $3`, string(arg.Status), limit, max(arg.Offset, 0))
	if err != nil {
		return nil, email.WrapQueue("list emails", err)
	}
	defer rows.Close()

	var out []*email.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, email.WrapQueue("list emails", err)
		}
		out = append(out, rec)
	}
	return out, email.WrapQueue("list emails", rows.Err())
}

// CountByStatus reports the queue depth per status. Statuses without rows
// are reported as zero.
func (q *Queries) CountByStatus(ctx context.Context) (map[email.Status]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT status, COUNT(*) FROM email GROUP BY status`)
	if err != nil {
		return nil, email.WrapQueue("count by status", err)
	}
	defer rows.Close()

	counts := make(map[email.Status]int64, len(email.Statuses))
	for _, s := range email.Statuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, email.WrapQueue("count by status", err)
		}
		counts[email.ParseStatus(status)] += n
	}
	return counts, email.WrapQueue("count by status", rows.Err())
}

func scanRecord(row pgx.Row) (*email.Record, error) {
	var (
		rec    email.Record
		raw    email.RawPayload
		status string

		tplID         *uuid.UUID
		tplSlug       *string
		tplPath       *string
		tplMax        *int
		tplNote       *string
		tplInsertedAt *time.Time
	)
	err := row.Scan(
		&rec.ID, &status, &rec.FailedAttemptsCount, &rec.SendEarliestAt,
		&rec.SendEarliestNextAttemptAt, &rec.PreparingDuration, &rec.SendingDuration,
		&rec.Notes, &rec.InsertedAt, &rec.SentAt,
		&raw.From, &raw.To, &raw.Cc, &raw.Bcc, &raw.ReplyTo, &raw.ReturnPath,
		&raw.Priority, &raw.Subject, &raw.HTMLBody, &raw.TextBody, &raw.Attachments,
		&tplID, &tplSlug, &tplPath, &tplMax, &tplNote, &tplInsertedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = email.ParseStatus(status)
	rec.Raw = &raw
	if tplID != nil {
		rec.Template = &email.Template{
			ID:                 *tplID,
			Slug:               deref(tplSlug),
			Path:               deref(tplPath),
			MaxAllowedAttempts: deref(tplMax),
			Note:               deref(tplNote),
		}
		if tplInsertedAt != nil {
			rec.Template.InsertedAt = *tplInsertedAt
		}
	}
	return &rec, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
