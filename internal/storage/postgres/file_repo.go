package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/termrelay/internal/storage"
)

// FileRepository implements storage.FileStore.
type FileRepository struct {
	db *gorm.DB
}

// NewFileRepository creates a FileRepository.
func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{db: db}
}

// Create counts the owner's files and inserts f in one transaction.
func (r *FileRepository) Create(ctx context.Context, f *storage.File, quota int) error {
	model, err := toFileModel(f)
	if err != nil {
		return fmt.Errorf("invalid file id %q: %w", f.ID, err)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&FileModel{}).Where("owner_id = ?", f.OwnerID).Count(&count).Error; err != nil {
			return fmt.Errorf("counting files: %w", err)
		}
		if quota > 0 && count >= int64(quota) {
			return storage.ErrQuotaExceeded
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("creating file: %w", err)
		}
		return nil
	})
}

// Get loads a file and checks ownership.
func (r *FileRepository) Get(ctx context.Context, ownerID, id string) (*storage.File, error) {
	fid, err := uuid.Parse(id)
	if err != nil {
		return nil, storage.ErrNotFound
	}
	var m FileModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", fid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("getting file: %w", err)
	}
	if m.OwnerID != ownerID {
		return nil, storage.ErrForbidden
	}
	return toFileDomain(&m), nil
}

// List returns the owner's files without content, newest first.
func (r *FileRepository) List(ctx context.Context, ownerID string) ([]storage.File, error) {
	var models []FileModel
	err := r.db.WithContext(ctx).
		Select("id", "owner_id", "name", "kind", "size", "created_at").
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	out := make([]storage.File, len(models))
	for i := range models {
		out[i] = *toFileDomain(&models[i])
	}
	return out, nil
}

// Delete removes a file owned by ownerID.
func (r *FileRepository) Delete(ctx context.Context, ownerID, id string) error {
	fid, err := uuid.Parse(id)
	if err != nil {
		return storage.ErrNotFound
	}
	res := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", fid, ownerID).Delete(&FileModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting file: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
