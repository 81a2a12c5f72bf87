// Package htmltext extracts readable plain text from HTML fragments.
package htmltext

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t\r\f\v]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// StripTags returns the text nodes of s with all markup removed and
// entities decoded. Whitespace is preserved as found.
func StripTags(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}

// Convert renders an HTML document as plain text suitable for the
// text/plain alternative of an email. Block elements become line breaks,
// links keep their target, and script and style content is dropped.
func Convert(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var (
		b    strings.Builder
		skip int
		href []string
	)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidy(b.String())
		case html.TextToken:
			if skip == 0 {
				b.WriteString(spaceRun.ReplaceAllString(strings.ReplaceAll(string(z.Text()), "\n", " "), " "))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Title:
				if tt == html.StartTagToken {
					skip++
				}
			case atom.Br:
				b.WriteString("\n")
			case atom.P, atom.Div, atom.Table, atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Ul, atom.Ol:
				b.WriteString("\n")
			case atom.Li:
				b.WriteString("\n* ")
			case atom.Td, atom.Th:
				b.WriteString("\t")
			case atom.Hr:
				b.WriteString("\n-------------------------\n")
			case atom.A:
				href = append(href, attr(tok, "href"))
			}
		case html.EndTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Title:
				if skip > 0 {
					skip--
				}
			case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Table, atom.Ul, atom.Ol:
				b.WriteString("\n")
			case atom.A:
				if n := len(href); n > 0 {
					if link := href[n-1]; link != "" && !strings.HasPrefix(link, "#") && !strings.HasPrefix(link, "mailto:") {
						b.WriteString(" <" + link + ">")
					}
					href = href[:n-1]
				}
			}
		}
	}
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	out := newlineRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}
