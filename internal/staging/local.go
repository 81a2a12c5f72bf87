package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tmpPrefix = ".tmp-"

// LocalStore stages files under <basePath>/<recordID>/<name>.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a LocalStore at basePath, creating the directory if
// needed.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		return nil, errors.New("staging: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("staging: create base directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (s *LocalStore) dir(recordID string) (string, error) {
	id, err := cleanRecordID(recordID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, id), nil
}

func (s *LocalStore) file(recordID, name string) (string, string, error) {
	dir, err := s.dir(recordID)
	if err != nil {
		return "", "", err
	}
	clean, err := cleanName(name)
	if err != nil {
		return "", "", err
	}
	return dir, filepath.Join(dir, clean), nil
}

// Put writes data through a temp file and rename so readers never observe a
// partial file.
func (s *LocalStore) Put(_ context.Context, recordID, name string, data []byte) error {
	dir, finalPath, err := s.file(recordID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("staging: create record directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("staging: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("staging: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("staging: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("staging: rename temp file: %w", err)
	}
	return nil
}

// List returns staged names. A record without a directory has no files.
func (s *LocalStore) List(_ context.Context, recordID string) ([]string, error) {
	dir, err := s.dir(recordID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("staging: read directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns ErrNotFound if the file does not exist.
func (s *LocalStore) Read(_ context.Context, recordID, name string) ([]byte, error) {
	_, p, err := s.file(recordID, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("staging: read file: %w", err)
	}
	return data, nil
}

// Remove deletes the file, then the record directory if nothing is left.
func (s *LocalStore) Remove(_ context.Context, recordID, name string) error {
	dir, p, err := s.file(recordID, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("staging: remove file: %w", err)
	}
	return removeIfEmpty(dir)
}

// Purge deletes each staged file, then the record directory.
func (s *LocalStore) Purge(ctx context.Context, recordID string) error {
	names, err := s.List(ctx, recordID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.Remove(ctx, recordID, name); err != nil {
			return err
		}
	}
	dir, err := s.dir(recordID)
	if err != nil {
		return err
	}
	return removeIfEmpty(dir)
}

func removeIfEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("staging: read directory: %w", err)
	}
	if len(entries) > 0 {
		return nil
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("staging: remove directory: %w", err)
	}
	return nil
}
