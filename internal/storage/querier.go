// Package storage persists queued emails, templates and log lines in
// PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sungwon/mailqueue/internal/email"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Querier is the persistence surface used by the emailer, the dispatcher
// and the API.
type Querier interface {
	// InsertEmail stores rec and its payload in one transaction. A record
	// inserted with ClaimedUntil set is skipped by ClaimNext until then.
	InsertEmail(ctx context.Context, rec *email.Record) error
	// UpdateEmail writes the mutable delivery state of rec, including
	// rec.ClaimedUntil.
	UpdateEmail(ctx context.Context, rec *email.Record) error
	// SelectNext returns the most urgent eligible record, or nil.
	SelectNext(ctx context.Context, now time.Time) (*email.Record, error)
	// ClaimNext is SelectNext under FOR UPDATE SKIP LOCKED, stamping a
	// claim that expires after ttl. It returns nil when nothing is eligible.
	ClaimNext(ctx context.Context, now time.Time, ttl time.Duration) (*email.Record, error)
	GetEmailByID(ctx context.Context, id uuid.UUID) (*email.Record, error)
	ListEmails(ctx context.Context, arg ListEmailsParams) ([]*email.Record, error)
	CountByStatus(ctx context.Context) (map[email.Status]int64, error)

	CreateTemplate(ctx context.Context, tpl *email.Template) error
	GetTemplateBySlug(ctx context.Context, slug string) (*email.Template, error)
	ListTemplates(ctx context.Context) ([]email.Template, error)

	InsertLog(ctx context.Context, level, message string) error
	ListLogs(ctx context.Context, limit int) ([]email.LogEntry, error)
}

// ListEmailsParams filters ListEmails. An empty Status matches every record.
type ListEmailsParams struct {
	Status email.Status
	Limit  int
	Offset int
}

// Queries implements Querier on top of a DBTX.
type Queries struct {
	db DBTX
}

// New returns Queries bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns Queries bound to tx.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

var _ Querier = (*Queries)(nil)
