// Package storage keeps message attachments on the local disk.
package storage

import (
	"chat-core/domain"
	"chat-core/domain/mimetypes"
	"chat-core/errors"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const defaultMaxAttachmentBytes = 10 << 20

// DiskStore writes each attachment under a generated name and serves it from baseURL.
type DiskStore struct {
	log      *slog.Logger
	dir      string
	baseURL  string
	maxBytes int
}

func NewDiskStore(log *slog.Logger, dir, baseURL string, maxBytes int) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create attachment directory: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxAttachmentBytes
	}
	return &DiskStore{log: log, dir: dir, baseURL: baseURL, maxBytes: maxBytes}, nil
}

// Store classifies data by its magic bytes, never by the client supplied name.
func (d *DiskStore) Store(_ context.Context, data []byte, name string) (domain.Attachment, error) {
	if len(data) == 0 {
		return domain.Attachment{}, fmt.Errorf("%w: empty attachment", errors.ErrInvalidFrame)
	}
	if len(data) > d.maxBytes {
		return domain.Attachment{}, fmt.Errorf("%w: attachment of %d bytes exceeds %d", errors.ErrInvalidFrame, len(data), d.maxBytes)
	}

	detected := mimetype.Detect(data)
	fileName := uuid.NewString() + detected.Extension()

	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return domain.Attachment{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return domain.Attachment{}, err
	}
	if err := tmp.Close(); err != nil {
		return domain.Attachment{}, err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.dir, fileName)); err != nil {
		return domain.Attachment{}, err
	}

	location, err := url.JoinPath(d.baseURL, fileName)
	if err != nil {
		return domain.Attachment{}, err
	}
	d.log.Debug("Attachment stored", "file", fileName, "mime_type", detected.String(), "size", len(data))
	return domain.Attachment{
		Kind:     mimetypes.KindOf(detected.String()),
		URL:      location,
		MimeType: string(mimetypes.Parse(detected.String())),
		Size:     len(data),
		Name:     filepath.Base(name),
	}, nil
}

// Dir is served read-only by the gateway under the attachment base URL.
func (d *DiskStore) Dir() string { return d.dir }
