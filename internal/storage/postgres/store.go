package postgres

import (
	"context"

	"github.com/jkaninda/termrelay/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB       *DB
	files      *FileRepository
	executions *ExecutionRepository
}

// NewStore creates a Store over an open DB.
func NewStore(db *DB) *Store {
	return &Store{
		pgDB:       db,
		files:      NewFileRepository(db.GormDB()),
		executions: NewExecutionRepository(db.GormDB()),
	}
}

func (s *Store) Files() storage.FileStore           { return s.files }
func (s *Store) Executions() storage.ExecutionStore { return s.executions }

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.pgDB.GormDB())
}

func (s *Store) Close() error { return s.pgDB.Close() }

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

var _ storage.Store = (*Store)(nil)
