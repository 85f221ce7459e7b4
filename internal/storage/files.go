package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileKind classifies an upload by its extension, falling back to content sniffing.
type FileKind string

const (
	KindCSV      FileKind = "csv"
	KindJSON     FileKind = "json"
	KindMarkdown FileKind = "markdown"
	KindPDF      FileKind = "pdf"
	KindText     FileKind = "text"
	KindBinary   FileKind = "binary"
)

const (
	maxNameLength = 100
	// MaxFileSize bounds a single upload.
	MaxFileSize = 10 << 20
)

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9.]`)

// SanitizeName lowercases name, keeps only [a-z0-9.] and bounds the length
// while preserving the extension.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeNameChars.ReplaceAllString(strings.ToLower(name), "_")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "file"
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if max := maxNameLength - len(ext); len(base) > max {
		if max < 1 {
			return name[:maxNameLength]
		}
		base = base[:max]
	}
	return base + ext
}

// ClassifyFile returns the kind of a file from its name and content.
func ClassifyFile(name string, content []byte) FileKind {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "csv":
		return KindCSV
	case "json":
		return KindJSON
	case "md", "markdown":
		return KindMarkdown
	case "pdf":
		return KindPDF
	case "txt", "log", "lst", "xml", "yaml", "yml", "html", "conf":
		return KindText
	}
	ct := http.DetectContentType(content)
	if strings.HasPrefix(ct, "text/") {
		return KindText
	}
	if ct == "application/pdf" {
		return KindPDF
	}
	return KindBinary
}

// FileService applies naming, classification and quota rules on top of a
// FileStore. It also resolves files for sandbox uploads.
type FileService struct {
	store FileStore
	quota int
	now   func() time.Time
}

// NewFileService creates a FileService. quota <= 0 selects 100.
func NewFileService(store FileStore, quota int) *FileService {
	if quota <= 0 {
		quota = 100
	}
	return &FileService{store: store, quota: quota, now: time.Now}
}

// Upload validates and stores a file for ownerID.
func (s *FileService) Upload(ctx context.Context, ownerID, name string, content []byte) (*File, error) {
	if ownerID == "" {
		return nil, errors.New("owner is required")
	}
	if len(content) == 0 {
		return nil, errors.New("file is empty")
	}
	if len(content) > MaxFileSize {
		return nil, fmt.Errorf("file exceeds %d bytes", MaxFileSize)
	}

	clean := SanitizeName(name)
	f := &File{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      clean,
		Kind:      ClassifyFile(clean, content),
		Size:      int64(len(content)),
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, f, s.quota); err != nil {
		return nil, err
	}
	return f, nil
}

// Get returns a file owned by ownerID.
func (s *FileService) Get(ctx context.Context, ownerID, id string) (*File, error) {
	return s.store.Get(ctx, ownerID, id)
}

// List returns the owner's files without content.
func (s *FileService) List(ctx context.Context, ownerID string) ([]File, error) {
	return s.store.List(ctx, ownerID)
}

// Delete removes a file owned by ownerID.
func (s *FileService) Delete(ctx context.Context, ownerID, id string) error {
	return s.store.Delete(ctx, ownerID, id)
}
