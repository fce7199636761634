package clinical

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = errors.New("clinical: record not found")

type Repository interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByExternal(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, resourceType string, limit, offset int) ([]*Record, int, error)
	ListChangedSince(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*Record, error)
}
