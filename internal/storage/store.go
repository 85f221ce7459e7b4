// Package storage defines the persistence interfaces for uploaded files and
// the terminal execution audit trail. Two backends are provided: SQLite
// (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a caller asks for a file owned by someone else.
	ErrForbidden = errors.New("file belongs to another user")
	// ErrQuotaExceeded is returned when a caller already stores the maximum
	// number of files.
	ErrQuotaExceeded = errors.New("file quota exceeded")
)

// Store is the unified persistence interface. Both backends implement it.
type Store interface {
	Files() FileStore
	Executions() ExecutionStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// File is an uploaded file owned by one caller.
type File struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Kind      FileKind  `json:"kind"`
	Size      int64     `json:"size"`
	Content   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// FileStore persists uploaded files.
type FileStore interface {
	// Create stores a file unless the owner already has quota files.
	// Name and Kind must already be normalized.
	Create(ctx context.Context, f *File, quota int) error
	// Get returns the file with its content. ErrForbidden is returned when
	// it exists but belongs to another owner.
	Get(ctx context.Context, ownerID, id string) (*File, error)
	// List returns the owner's files without content, newest first.
	List(ctx context.Context, ownerID string) ([]File, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// Execution is one audited terminal command.
type Execution struct {
	ID            string        `json:"id"`
	CallerID      string        `json:"caller_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Plugin        string        `json:"plugin"`
	Command       string        `json:"command"`
	Rejected      bool          `json:"rejected"`
	ExitCode      int           `json:"exit_code"`
	Partial       bool          `json:"partial"`
	OutputTokens  int           `json:"output_tokens"`
	Duration      time.Duration `json:"duration"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ExecutionStore is the append-only execution audit trail.
type ExecutionStore interface {
	Append(ctx context.Context, e *Execution) error
	// List returns the caller's executions, newest first. limit <= 0 selects 50.
	List(ctx context.Context, callerID string, limit int) ([]Execution, error)
	// Prune deletes executions created before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
