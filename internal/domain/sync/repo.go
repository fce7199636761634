package sync

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("sync log not found")

type LogRepository interface {
	Create(ctx context.Context, log *SyncLog) error
	GetByID(ctx context.Context, id uuid.UUID) (*SyncLog, error)
	// Update writes counts and status. The engine calls it exactly once
	// per pass, when the log reaches a terminal status.
	Update(ctx context.Context, log *SyncLog) error
	ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*SyncLog, int, error)
}

type ResourceRepository interface {
	Create(ctx context.Context, rs *ResourceSync) error
	ListByLog(ctx context.Context, syncLogID uuid.UUID, status string, limit, offset int) ([]*ResourceSync, int, error)
	// LatestSynced returns the current baseline row for the resource,
	// or ErrNotFound when it has never synchronized.
	LatestSynced(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (*ResourceSync, error)
}
