package mimeparse

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sungwon/mailqueue/internal/provider"
)

// Spool writes the in-memory attachments of msg into a fresh directory under
// root and declares them as attachment paths, so the queue can stage them
// like any caller-provided file. The returned cleanup removes the directory
// and is safe to call once staging is done.
func Spool(msg *provider.Message, root string) (cleanup func(), err error) {
	if len(msg.Attachments) == 0 {
		return func() {}, nil
	}

	dir, err := os.MkdirTemp(root, "mailqueue-spool-")
	if err != nil {
		return nil, fmt.Errorf("mimeparse: create spool dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	for i, a := range msg.Attachments {
		name := a.Filename
		if name == "" {
			name = "attachment-" + strconv.Itoa(i+1) + extensionFor(a.ContentType)
		}
		// Files are numbered so equal names do not overwrite each other.
		path := filepath.Join(dir, strconv.Itoa(i)+"-"+filepath.Base(name))
		if err := os.WriteFile(path, a.Content, 0o600); err != nil {
			cleanup()
			return nil, fmt.Errorf("mimeparse: spool %s: %w", name, err)
		}
		msg.AddAttachmentPath(path, name)
	}
	msg.Attachments = nil
	return cleanup, nil
}

func extensionFor(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
