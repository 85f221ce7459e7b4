package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/termrelay/internal/agent"
	"github.com/jkaninda/termrelay/internal/terminal"
)

// Retrieve implements terminal.FileRetriever.
func (s *FileService) Retrieve(ctx context.Context, callerID, fileID string) (*terminal.File, error) {
	f, err := s.store.Get(ctx, callerID, fileID)
	if err != nil {
		return nil, err
	}
	return &terminal.File{ID: f.ID, Name: f.Name, Content: f.Content}, nil
}

// AuditRecorder stores agent execution records in an ExecutionStore.
type AuditRecorder struct {
	store ExecutionStore
}

// NewAuditRecorder creates an AuditRecorder.
func NewAuditRecorder(store ExecutionStore) *AuditRecorder {
	return &AuditRecorder{store: store}
}

// RecordExecution implements agent.AuditRecorder.
func (a *AuditRecorder) RecordExecution(ctx context.Context, rec *agent.ExecutionRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return a.store.Append(ctx, &Execution{
		ID:            uuid.NewString(),
		CallerID:      rec.CallerID,
		CorrelationID: rec.CorrelationID,
		Plugin:        rec.Plugin.String(),
		Command:       rec.Command,
		Rejected:      rec.Rejected,
		ExitCode:      rec.ExitCode,
		Partial:       rec.Partial,
		OutputTokens:  rec.OutputTokens,
		Duration:      rec.Duration,
		CreatedAt:     created,
	})
}

var (
	_ terminal.FileRetriever = (*FileService)(nil)
	_ agent.AuditRecorder    = (*AuditRecorder)(nil)
)
