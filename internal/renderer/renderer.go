// Package renderer turns template files into HTML email bodies.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrTemplateNotFound is returned when a template file does not exist.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrUnsupportedFormat is returned when no renderer is registered for
	// a template's extension.
	ErrUnsupportedFormat = errors.New("unsupported template format")
)

// Renderer renders a single template file.
type Renderer interface {
	Render(ctx context.Context, path string, params map[string]any) (string, error)
}

// Registry dispatches to a Renderer by file extension.
type Registry struct {
	mu        sync.RWMutex
	renderers map[string]Renderer
	base      map[string]any
}

// NewRegistry creates an empty Registry. base parameters are available to
// every template and are overridden by per-call parameters.
func NewRegistry(base map[string]any) *Registry {
	return &Registry{
		renderers: make(map[string]Renderer),
		base:      maps.Clone(base),
	}
}

// Register adds or replaces the renderer for format, e.g. "mjml".
func (r *Registry) Register(format string, rd Renderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers[strings.ToLower(format)] = rd
}

// Formats returns the registered formats.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.renderers))
	for f := range r.renderers {
		out = append(out, f)
	}
	return out
}

// Render renders the template at path with params.
func (r *Registry) Render(ctx context.Context, path string, params map[string]any) (string, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
	}

	format := Format(path)
	r.mu.RLock()
	rd, ok := r.renderers[format]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q (%s)", ErrUnsupportedFormat, format, path)
	}

	merged := maps.Clone(r.base)
	if merged == nil {
		merged = make(map[string]any, len(params))
	}
	maps.Copy(merged, params)

	out, err := rd.Render(ctx, path, merged)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", path, err)
	}
	return out, nil
}

// Format returns the lower-cased extension of path without the dot.
func Format(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
