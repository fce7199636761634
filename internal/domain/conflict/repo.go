package conflict

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("conflict not found")

type Repository interface {
	Create(ctx context.Context, c *Conflict) error
	GetByID(ctx context.Context, id uuid.UUID) (*Conflict, error)
	Update(ctx context.Context, c *Conflict) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Conflict, int, error)
	// OpenByResource returns the open conflict for one remote resource,
	// or ErrNotFound. At most one can be open at a time because the
	// resource is excluded from sync while it exists.
	OpenByResource(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (*Conflict, error)
	CountOpenForPair(ctx context.Context, patientID, connectionID uuid.UUID) (int, error)
}
