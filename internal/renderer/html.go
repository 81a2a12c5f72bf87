package renderer

import (
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
)

// HTMLFormats are the file extensions rendered with html/template.
var HTMLFormats = []string{"html", "gohtml", "tmpl"}

// HTMLRenderer renders html/template files. Compiled templates are cached
// by path until invalidated.
type HTMLRenderer struct {
	cache *Cache
}

// NewHTMLRenderer creates an HTMLRenderer. cache may be nil to disable
// caching.
func NewHTMLRenderer(cache *Cache) *HTMLRenderer {
	return &HTMLRenderer{cache: cache}
}

// Render executes the template at path with params.
func (r *HTMLRenderer) Render(_ context.Context, path string, params map[string]any) (string, error) {
	key := "html:" + path
	tpl, ok := r.cache.Get(key)
	if !ok {
		src, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read template: %w", err)
		}
		tpl, err = parse(filepath.Base(path), string(src))
		if err != nil {
			return "", err
		}
		r.cache.Put(key, tpl)
	}
	return execute(tpl, params)
}

func parse(name, src string) (*template.Template, error) {
	tpl, err := template.New(name).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return tpl, nil
}

func execute(tpl *template.Template, params map[string]any) (string, error) {
	var b strings.Builder
	if err := tpl.Execute(&b, params); err != nil {
		return "", fmt.Errorf("execute template %s: %w", tpl.Name(), err)
	}
	return b.String(), nil
}
