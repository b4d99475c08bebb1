// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/avdeyev/codecanvas/internal/domain"
)

// Repository defines the interface for persisting generated-code records.
type Repository interface {
	// GetRecord retrieves a record by its uid. Returns (nil, nil) when the
	// record does not exist.
	GetRecord(ctx context.Context, uid string) (*domain.CodeRecord, error)

	// CreateRecord inserts a new record. The caller assigns the uid.
	CreateRecord(ctx context.Context, record *domain.CodeRecord) error

	// UpdateRecordCode overwrites the record's code content and echoes back
	// model, email and options unchanged. This is the only mutation the
	// regeneration workflow performs.
	UpdateRecordCode(ctx context.Context, uid string, update CodeUpdate) error

	// ListRecords retrieves all records owned by a user, newest first.
	ListRecords(ctx context.Context, userID string) ([]*domain.CodeRecord, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// CodeUpdate is the persisted payload of a code write: the new content plus
// the record fields the update endpoint echoes back unchanged.
type CodeUpdate struct {
	Content string
	Model   string
	Email   string
	Options domain.GenerationOptions
}
