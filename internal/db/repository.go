package db

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sentinel errors for callers that need to branch on outcome. ErrNotFound
// maps to a 404 at the API layer; ErrVersionConflict means a concurrent
// writer updated the same preference record first and the transition
// should be retried against fresh state.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// Repository handles database operations for alerts, preferences,
// deliveries and the identity directory. Methods are split across
// alerts.go, preferences.go, deliveries.go and directory.go.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// scanner covers both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// uuidStrings converts ids for transport as text[]; queries cast the
// parameter back with ::uuid[] server-side.
func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
