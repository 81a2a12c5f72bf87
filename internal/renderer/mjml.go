package renderer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Compiler turns MJML markup into HTML.
type Compiler interface {
	ToHTML(ctx context.Context, mjml string) (string, error)
}

var (
	includePattern   = regexp.MustCompile(`\n([ \t]*)<mj-include path="([^"]*)"\s*/?>`)
	spacerPattern    = regexp.MustCompile(`<mj-spacer[^>]*?height="(\d+(?:px)?)"[^>]*?>`)
	spacerMarker     = regexp.MustCompile(`<!-- SPACER \{(\d+(?:px)?)\} -->`)
	adjacentTagBreak = regexp.MustCompile(`><(\w{2,20})`)
)

// MJMLRenderer preprocesses MJML templates, compiles them through a
// Compiler and executes the result as an html/template. Compiled output is
// cached by the MD5 of the preprocessed source.
type MJMLRenderer struct {
	compiler Compiler
	cache    *Cache
}

// NewMJMLRenderer creates an MJMLRenderer.
func NewMJMLRenderer(compiler Compiler, cache *Cache) *MJMLRenderer {
	return &MJMLRenderer{compiler: compiler, cache: cache}
}

// Render compiles and executes the MJML template at path.
func (r *MJMLRenderer) Render(ctx context.Context, path string, params map[string]any) (string, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read template: %w", err)
	}

	source := expandIncludes(string(src), filepath.Dir(path))
	source = spacerPattern.ReplaceAllStringFunc(source, func(m string) string {
		height := spacerPattern.FindStringSubmatch(m)[1]
		return "<!-- SPACER {" + escapeHTMLComment(height) + "} -->"
	})

	sum := md5.Sum([]byte(source))
	key := "mjml:" + hex.EncodeToString(sum[:])

	tpl, ok := r.cache.Get(key)
	if !ok {
		html, err := r.compiler.ToHTML(ctx, source)
		if err != nil {
			return "", err
		}
		tpl, err = parse(filepath.Base(path), afterCompile(html))
		if err != nil {
			return "", err
		}
		r.cache.Put(key, tpl)
	}
	return execute(tpl, params)
}

// expandIncludes inlines <mj-include path="..."> tags that start a line,
// relative to dir and indented like the tag. Missing files leave a comment.
func expandIncludes(src, dir string) string {
	return includePattern.ReplaceAllStringFunc(src, func(m string) string {
		sub := includePattern.FindStringSubmatch(m)
		indent := strings.Repeat("\t", len(strings.ReplaceAll(sub[1], "    ", "\t")))
		name := sub[2]
		label := escapeHTMLComment(name)

		content, err := os.ReadFile(filepath.Join(dir, strings.TrimLeft(name, "/")))
		if err != nil {
			return `<!-- can not include "` + label + `" -->`
		}

		body := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(string(content))
		body = strings.ReplaceAll(body, "\n", "\n"+indent)

		var b strings.Builder
		b.WriteString("\n" + indent + `<!-- include "` + label + `" start -->`)
		b.WriteString("\n" + indent + body)
		b.WriteString("\n" + indent + `<!-- include "` + label + `" end -->`)
		return b.String()
	})
}

func afterCompile(html string) string {
	html = strings.ReplaceAll(html, "&#36;", "$")
	html = spacerMarker.ReplaceAllString(html, "<div style=\"height:${1}\"></div>\n<!-- spacer ${1} -->")
	return adjacentTagBreak.ReplaceAllString(html, ">\n<${1}")
}

// escapeHTMLComment makes s safe to embed in an HTML comment.
func escapeHTMLComment(s string) string {
	if s != "" && strings.ContainsAny(s[:1], "->!") {
		s = " " + s
	}
	s = strings.ReplaceAll(s, "--", "- - ")
	if strings.HasSuffix(s, "-") {
		s += " "
	}
	return s
}
