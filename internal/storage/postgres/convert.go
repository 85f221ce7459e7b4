package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/termrelay/internal/storage"
)

func toFileModel(f *storage.File) (FileModel, error) {
	id, err := uuid.Parse(f.ID)
	if err != nil {
		return FileModel{}, err
	}
	return FileModel{
		ID:        id,
		OwnerID:   f.OwnerID,
		Name:      f.Name,
		Kind:      string(f.Kind),
		Size:      f.Size,
		Content:   f.Content,
		CreatedAt: f.CreatedAt,
	}, nil
}

func toFileDomain(m *FileModel) *storage.File {
	return &storage.File{
		ID:        m.ID.String(),
		OwnerID:   m.OwnerID,
		Name:      m.Name,
		Kind:      storage.FileKind(m.Kind),
		Size:      m.Size,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func toExecutionModel(e *storage.Execution) (ExecutionModel, error) {
	id := uuid.New()
	if e.ID != "" {
		var err error
		if id, err = uuid.Parse(e.ID); err != nil {
			return ExecutionModel{}, err
		}
	}
	return ExecutionModel{
		ID:            id,
		CallerID:      e.CallerID,
		CorrelationID: e.CorrelationID,
		Plugin:        e.Plugin,
		Command:       e.Command,
		Rejected:      e.Rejected,
		ExitCode:      e.ExitCode,
		Partial:       e.Partial,
		OutputTokens:  e.OutputTokens,
		DurationMS:    e.Duration.Milliseconds(),
		CreatedAt:     e.CreatedAt,
	}, nil
}

func toExecutionDomain(m *ExecutionModel) storage.Execution {
	return storage.Execution{
		ID:            m.ID.String(),
		CallerID:      m.CallerID,
		CorrelationID: m.CorrelationID,
		Plugin:        m.Plugin,
		Command:       m.Command,
		Rejected:      m.Rejected,
		ExitCode:      m.ExitCode,
		Partial:       m.Partial,
		OutputTokens:  m.OutputTokens,
		Duration:      time.Duration(m.DurationMS) * time.Millisecond,
		CreatedAt:     m.CreatedAt,
	}
}
