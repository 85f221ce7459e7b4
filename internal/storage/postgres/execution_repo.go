package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/termrelay/internal/storage"
)

const defaultExecutionLimit = 50

// ExecutionRepository implements storage.ExecutionStore.
// Append-only: there is no Update method.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Append(ctx context.Context, e *storage.Execution) error {
	model, err := toExecutionModel(e)
	if err != nil {
		return fmt.Errorf("invalid execution id %q: %w", e.ID, err)
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending execution: %w", err)
	}
	e.ID = model.ID.String()
	return nil
}

func (r *ExecutionRepository) List(ctx context.Context, callerID string, limit int) ([]storage.Execution, error) {
	if limit <= 0 {
		limit = defaultExecutionLimit
	}
	var models []ExecutionModel
	err := r.db.WithContext(ctx).
		Where("caller_id = ?", callerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	out := make([]storage.Execution, len(models))
	for i := range models {
		out[i] = toExecutionDomain(&models[i])
	}
	return out, nil
}

func (r *ExecutionRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&ExecutionModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning executions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
