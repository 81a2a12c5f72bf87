package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sungwon/mailqueue/internal/email"
)

// ErrDuplicateSlug is returned when a template slug is already taken.
var ErrDuplicateSlug = errors.New("template slug already exists")

const uniqueViolation = "23505"

// CreateTemplate inserts tpl, filling in ID, defaults and InsertedAt.
func (q *Queries) CreateTemplate(ctx context.Context, tpl *email.Template) error {
	tpl.Slug = strings.TrimSpace(tpl.Slug)
	if tpl.Slug == "" {
		return errors.New("create template: slug is required")
	}
	if tpl.ID == uuid.Nil {
		tpl.ID = email.NewID()
	}
	if tpl.MaxAllowedAttempts <= 0 {
		tpl.MaxAllowedAttempts = email.DefaultMaxAllowedAttempts
	}

	err := q.db.QueryRow(ctx, `
INSERT INTO email_template (id, slug, path, max_allowed_attempts, note)
VALUES ($1, $2, $3, $4, $5)
RETURNING inserted_at`,
		tpl.ID, tpl.Slug, tpl.Path, tpl.MaxAllowedAttempts, tpl.Note,
	).Scan(&tpl.InsertedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create template %q: %w", tpl.Slug, ErrDuplicateSlug)
		}
		return email.WrapQueue("create template", err)
	}
	return nil
}

// GetTemplateBySlug returns email.ErrNotFound for an unknown slug.
func (q *Queries) GetTemplateBySlug(ctx context.Context, slug string) (*email.Template, error) {
	var tpl email.Template
	err := q.db.QueryRow(ctx, `
SELECT id, slug, path, max_allowed_attempts, note, inserted_at
FROM email_template WHERE slug = $1`, slug,
	).Scan(&tpl.ID, &tpl.Slug, &tpl.Path, &tpl.MaxAllowedAttempts, &tpl.Note, &tpl.InsertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, email.ErrNotFound
	}
	if err != nil {
		return nil, email.WrapQueue("get template", err)
	}
	return &tpl, nil
}

// ListTemplates returns every template ordered by slug.
func (q *Queries) ListTemplates(ctx context.Context) ([]email.Template, error) {
	rows, err := q.db.Query(ctx, `
SELECT id, slug, path, max_allowed_attempts, note, inserted_at
FROM email_template ORDER BY slug`)
	if err != nil {
		return nil, email.WrapQueue("list templates", err)
	}
	defer rows.Close()

	var out []email.Template
	for rows.Next() {
		var tpl email.Template
		if err := rows.Scan(&tpl.ID, &tpl.Slug, &tpl.Path, &tpl.MaxAllowedAttempts, &tpl.Note, &tpl.InsertedAt); err != nil {
			return nil, email.WrapQueue("list templates", err)
		}
		out = append(out, tpl)
	}
	return out, email.WrapQueue("list templates", rows.Err())
}
