package deployment

import (
	"context"
	"time"
)

// Repository persists deployments. Implementations return errors wrapping
// ErrNotFound for unknown ids and ErrConflict for duplicate ids.
type Repository interface {
	Create(ctx context.Context, d *Deployment) error
	Get(ctx context.Context, id string) (*Deployment, error)
	Update(ctx context.Context, d *Deployment) error
	// UpdateRepository changes the tracked repository without recording a
	// status transition.
	UpdateRepository(ctx context.Context, id, fullName, branch string, now time.Time) error
	List(ctx context.Context, limit, offset int) ([]*Deployment, error)
	// ListInFlight returns deployments in pending, building or deploying,
	// oldest first.
	ListInFlight(ctx context.Context) ([]*Deployment, error)
	// FindByRepository returns the most recently created deployment tracking
	// the given owner/repo.
	FindByRepository(ctx context.Context, fullName string) (*Deployment, error)
}
