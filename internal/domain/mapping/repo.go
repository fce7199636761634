package mapping

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no mapping matches the lookup.
	ErrNotFound = errors.New("mapping: not found")
	// ErrNoMatch is returned when a remote search produced no candidate
	// at all; no mapping row is written.
	ErrNoMatch = errors.New("mapping: no remote match found")
)

type Repository interface {
	Create(ctx context.Context, m *Mapping) error
	GetByID(ctx context.Context, id uuid.UUID) (*Mapping, error)
	// GetActive returns the non-tombstoned mapping for the pair, or
	// ErrNotFound.
	GetActive(ctx context.Context, patientID, connectionID uuid.UUID) (*Mapping, error)
	// GetActiveByExternalID resolves the reverse direction for pulls.
	GetActiveByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*Mapping, error)
	Update(ctx context.Context, m *Mapping) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Mapping, error)
	ListByConnection(ctx context.Context, connectionID uuid.UUID, status string, limit, offset int) ([]*Mapping, int, error)
	// ListSyncable returns every mapping the orchestrator syncs for the
	// connection: non-tombstoned, synced, with an external id.
	ListSyncable(ctx context.Context, connectionID uuid.UUID) ([]*Mapping, error)
}
