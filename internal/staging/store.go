// Package staging keeps per-record copies of attachment files between
// enqueue and delivery.
package staging

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a staged file does not exist.
var ErrNotFound = errors.New("staging: file not found")

// Store holds attachment files grouped by record id. Every method is
// idempotent with respect to missing files except Read.
type Store interface {
	// Put stores data as name under recordID.
	Put(ctx context.Context, recordID, name string, data []byte) error
	// List returns the names staged under recordID, sorted.
	List(ctx context.Context, recordID string) ([]string, error)
	// Read returns the content of a staged file.
	Read(ctx context.Context, recordID, name string) ([]byte, error)
	// Remove deletes a staged file and drops the record's area once it is
	// empty.
	Remove(ctx context.Context, recordID, name string) error
	// Purge deletes every file staged under recordID, then the area itself.
	Purge(ctx context.Context, recordID string) error
}

// Mode selects when staged files are deleted.
type Mode string

const (
	// ModeRetain keeps files until the record is sent, so retries can read
	// them again.
	ModeRetain Mode = "retain"
	// ModeConsume deletes each file as soon as it has been read.
	ModeConsume Mode = "consume"
)

// ParseMode returns the mode named by s. Empty selects ModeRetain.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRetain:
		return ModeRetain, nil
	case ModeConsume:
		return ModeConsume, nil
	}
	return "", fmt.Errorf("staging: unsupported mode %q", s)
}

// Config holds configuration for creating a Store.
type Config struct {
	Type       string // "local" or "s3"
	Path       string // base directory for the local store
	Mode       string
	S3Bucket   string
	S3Prefix   string
	S3Endpoint string
	S3Region   string
}

// New creates a Store based on cfg. An empty or unknown type falls back to
// local storage with a warning.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStore(cfg.Path)
	case "s3":
		return NewS3StoreFromConfig(ctx, cfg)
	default:
		logger.Warn().
			Str("type", cfg.Type).
			Msg("unsupported or empty staging type, defaulting to local")
		return NewLocalStore(cfg.Path)
	}
}

// cleanName rejects names that would escape the record's area.
func cleanName(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || base == "" {
		return "", fmt.Errorf("staging: invalid file name %q", name)
	}
	return base, nil
}

func cleanRecordID(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("staging: invalid record id %q", id)
	}
	return id, nil
}
