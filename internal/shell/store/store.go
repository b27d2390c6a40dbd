package store

import (
	"context"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for run history.
type Store interface {
	// Run operations
	RecordRun(ctx context.Context, report *domain.RunReport) error
	GetRun(ctx context.Context, runID string) (*domain.RunReport, error)
	// LastRun returns the most recent run of a project; an empty operation
	// matches any.
	LastRun(ctx context.Context, project string, op domain.Operation) (*domain.RunReport, error)
	ListRuns(ctx context.Context, project string, opts ListOptions) ([]domain.RunReport, error)
	// PruneRuns deletes all but the newest keep runs of a project.
	PruneRuns(ctx context.Context, project string, keep int) (int64, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
