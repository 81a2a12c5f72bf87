package renderer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var templateFileName = regexp.MustCompile(`^(\w+)(?:\.(\w+))?\.(\w+)$`)

// Locate finds the template for name in dir. Files are named
// <name>[.<lang>].<format>; a file for lang wins over one without a
// language.
func Locate(dir, name, lang string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s in %s: %v", ErrTemplateNotFound, name, dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	fallback := ""
	for _, file := range names {
		m := templateFileName.FindStringSubmatch(file)
		if m == nil || m[1] != name {
			continue
		}
		switch {
		case lang != "" && m[2] == lang:
			return filepath.Join(dir, file), nil
		case m[2] == "" && fallback == "":
			fallback = filepath.Join(dir, file)
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("%w: %s in %s", ErrTemplateNotFound, name, dir)
	}
	return fallback, nil
}
