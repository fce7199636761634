package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no event matches the lookup.
var ErrNotFound = errors.New("audit: event not found")

// Filter narrows List queries. Zero values are ignored. ResourceType
// and ResourceID select the entity the events target.
type Filter struct {
	Action       string
	Actor        string
	ResourceType string
	ResourceID   string
	ConnectionID *uuid.UUID
	SyncLogID    *uuid.UUID
	Since        time.Time
	Until        time.Time
}

// Repository is append-only: events cannot be updated or deleted.
type Repository interface {
	Create(ctx context.Context, ev *Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error)
}
