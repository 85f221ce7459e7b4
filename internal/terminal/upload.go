package terminal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaninda/termrelay/internal/sandbox"
)

// MaxFiles is the most files one tool call may upload.
const MaxFiles = 3

// ErrTooManyFiles is returned when a tool call references more than MaxFiles.
var ErrTooManyFiles = fmt.Errorf("at most %d files can be uploaded per command", MaxFiles)

// FileRef references a previously uploaded file by ID.
type FileRef struct {
	FileID string `json:"fileId"`
}

// File is file content resolved for upload.
type File struct {
	ID      string
	Name    string
	Content []byte
}

// FileRetriever resolves file references owned by a caller. Implementations
// must refuse files the caller does not own.
type FileRetriever interface {
	Retrieve(ctx context.Context, callerID, fileID string) (*File, error)
}

// UploadFiles copies the referenced files into the sandbox, reporting
// progress through sink. It returns the in-sandbox paths of the files that
// were uploaded. Uploading stops at the first failure.
func UploadFiles(ctx context.Context, files FileRetriever, callerID string, refs []FileRef,
	p sandbox.Provider, h *sandbox.Handle, sink Sink,
) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if len(refs) > MaxFiles {
		return nil, ErrTooManyFiles
	}
	if h == nil {
		return nil, sandbox.ErrNotAllocated
	}
	if files == nil {
		return nil, errors.New("file uploads are not configured")
	}

	if err := sink.WriteDelta(ctx, fmt.Sprintf("Uploading %d file(s) to the sandbox...\n", len(refs))); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(refs))
	for _, ref := range refs {
		f, err := files.Retrieve(ctx, callerID, ref.FileID)
		if err != nil {
			return paths, fmt.Errorf("retrieving file %s: %w", ref.FileID, err)
		}
		path, err := p.Upload(ctx, h, f.Name, f.Content)
		if err != nil {
			return paths, fmt.Errorf("uploading %s: %w", f.Name, err)
		}
		paths = append(paths, path)
		if err := sink.WriteDelta(ctx, fmt.Sprintf("Uploaded %s to %s\n", f.Name, path)); err != nil {
			return paths, err
		}
	}
	return paths, nil
}
