package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultOutputDir = "./mail_output"

// File implements the Provider interface by writing each message as a
// complete .eml file. Intended for development; messages are never delivered.
type File struct {
	outputDir string
	hostname  string
	now       func() time.Time
}

// NewFile creates a File provider writing to cfg.OutputDir, or
// "./mail_output" when unset.
func NewFile(cfg Config) *File {
	dir := cfg.OutputDir
	if dir == "" {
		dir = defaultOutputDir
	}
	return &File{outputDir: dir, hostname: cfg.Hostname, now: time.Now}
}

func (f *File) GetName() string { return "file" }

// Send writes the message to <timestamp>_<message-id>.eml.
func (f *File) Send(_ context.Context, msg *Message) (*DeliveryResult, error) {
	now := f.now()
	raw, err := BuildMIME(msg, now, f.hostname)
	if err != nil {
		return nil, fmt.Errorf("file: build message: %w", err)
	}

	if err := os.MkdirAll(f.outputDir, 0o750); err != nil {
		return nil, &TransportError{Provider: f.GetName(), Message: "create output dir: " + err.Error(), Err: err}
	}

	safeID := strings.ReplaceAll(msg.ID, "/", "_")
	filename := fmt.Sprintf("%s_%s.eml", now.Format("20060102_150405"), safeID)
	path := filepath.Join(f.outputDir, filename)

	if err := os.WriteFile(path, raw, 0o640); err != nil {
		return nil, &TransportError{Provider: f.GetName(), Message: "write " + path + ": " + err.Error(), Err: err}
	}

	return &DeliveryResult{
		ProviderMessageID: "file-" + msg.ID,
		Status:            StatusSent,
		Timestamp:         now,
		Metadata:          map[string]string{"path": path},
	}, nil
}

// HealthCheck verifies the output directory is writable.
func (f *File) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(f.outputDir, 0o750); err != nil {
		return fmt.Errorf("file: output dir not writable: %w", err)
	}
	return nil
}
