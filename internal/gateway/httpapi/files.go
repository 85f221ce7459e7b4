package httpapi

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/termrelay/internal/storage"
)

// FileUploadRequest is the JSON body for POST /v1/files. Content is plain
// text unless Encoding is "base64".
type FileUploadRequest struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// FileResponse describes a stored file.
type FileResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

func toFileResponse(f *storage.File) FileResponse {
	return FileResponse{ID: f.ID, Name: f.Name, Kind: string(f.Kind), Size: f.Size, CreatedAt: f.CreatedAt}
}

func (g *Gateway) handleFileUpload(c *okapi.Context) error {
	callerID := c.GetString("userID")
	if !g.allow(callerID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req FileUploadRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}

	content := []byte(req.Content)
	switch req.Encoding {
	case "", "text":
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return c.AbortBadRequest("content is not valid base64")
		}
		content = decoded
	default:
		return c.AbortBadRequest("encoding must be \"text\" or \"base64\"")
	}

	f, err := g.files.Upload(c.Context(), callerID, req.Name, content)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			return c.AbortTooManyRequests("file quota exceeded")
		}
		g.logger.WarnContext(c.Context(), "file upload failed",
			slog.String("caller_id", callerID),
			slog.String("error", err.Error()),
		)
		return c.AbortBadRequest(err.Error())
	}

	g.logger.InfoContext(c.Context(), "file uploaded",
		slog.String("caller_id", callerID),
		slog.String("file_id", f.ID),
		slog.String("kind", string(f.Kind)),
		slog.Int64("size", f.Size),
	)
	return c.JSON(http.StatusCreated, toFileResponse(f))
}

func (g *Gateway) handleFileList(c *okapi.Context) error {
	callerID := c.GetString("userID")
	files, err := g.files.List(c.Context(), callerID)
	if err != nil {
		return c.AbortInternalServerError("listing files failed")
	}
	out := make([]FileResponse, len(files))
	for i := range files {
		out[i] = toFileResponse(&files[i])
	}
	return c.OK(out)
}

func (g *Gateway) handleFileDelete(c *okapi.Context) error {
	callerID := c.GetString("userID")
	if err := g.files.Delete(c.Context(), callerID, c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "file not found"})
		}
		return c.AbortInternalServerError("deleting file failed")
	}
	return c.OK(okapi.M{"status": "deleted"})
}
