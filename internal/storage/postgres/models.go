package postgres

import (
	"time"

	"github.com/google/uuid"
)

// FileModel maps to the "files" table.
type FileModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID   string    `gorm:"not null;index"`
	Name      string    `gorm:"not null"`
	Kind      string    `gorm:"not null"`
	Size      int64     `gorm:"not null"`
	Content   []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (FileModel) TableName() string { return "files" }

// ExecutionModel maps to the "executions" table.
// No UpdatedAt: the audit trail is append-only.
type ExecutionModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CallerID      string    `gorm:"not null;index"`
	CorrelationID string    `gorm:"index"`
	Plugin        string    `gorm:"not null"`
	Command       string    `gorm:"type:text;not null"`
	Rejected      bool      `gorm:"not null;default:false"`
	ExitCode      int       `gorm:"not null"`
	Partial       bool      `gorm:"not null;default:false"`
	OutputTokens  int       `gorm:"not null;default:0"`
	DurationMS    int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"index"`
}

func (ExecutionModel) TableName() string { return "executions" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&FileModel{}, &ExecutionModel{}}
}
