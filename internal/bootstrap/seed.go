// Package bootstrap wires the queue's components from configuration and
// runs startup-time initialization such as seeding template definitions.
package bootstrap

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/sungwon/mailqueue/internal/config"
	"github.com/sungwon/mailqueue/internal/email"
	"github.com/sungwon/mailqueue/internal/storage"
)

// TemplateSeeder is the template storage SeedTemplates needs.
type TemplateSeeder interface {
	GetTemplateBySlug(ctx context.Context, slug string) (*email.Template, error)
	CreateTemplate(ctx context.Context, tpl *email.Template) error
}

// SeedTemplates ensures every seeded template definition exists. Existing
// definitions are left untouched, so it is safe on every startup.
func SeedTemplates(ctx context.Context, store TemplateSeeder, seeds []config.TemplateSeed, log zerolog.Logger) (created int, err error) {
	for _, seed := range seeds {
		if seed.Slug == "" {
			continue
		}
		_, err := store.GetTemplateBySlug(ctx, seed.Slug)
		if err == nil {
			log.Debug().Str("slug", seed.Slug).Msg("template already exists, skipping seed")
			continue
		}
		if !errors.Is(err, email.ErrNotFound) {
			return created, err
		}

		tpl := &email.Template{
			Slug:               seed.Slug,
			Path:               seed.Path,
			MaxAllowedAttempts: seed.MaxAllowedAttempts,
			Note:               seed.Note,
		}
		if err := store.CreateTemplate(ctx, tpl); err != nil {
			// Another instance seeded it first.
			if errors.Is(err, storage.ErrDuplicateSlug) {
				continue
			}
			return created, err
		}
		created++
		log.Info().
			Str("slug", tpl.Slug).
			Int("max_allowed_attempts", tpl.MaxAllowedAttempts).
			Msg("template seeded")
	}
	return created, nil
}
