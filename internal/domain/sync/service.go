package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service answers sync history queries. Pass execution lives on the
// Engine.
type Service struct {
	logs      LogRepository
	resources ResourceRepository
}

func NewService(logs LogRepository, resources ResourceRepository) *Service {
	return &Service{logs: logs, resources: resources}
}

func (s *Service) GetSyncLog(ctx context.Context, id uuid.UUID) (*SyncLog, error) {
	return s.logs.GetByID(ctx, id)
}

func (s *Service) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*SyncLog, int, error) {
	return s.logs.ListByConnection(ctx, connectionID, limit, offset)
}

var validResourceStatuses = map[string]bool{
	ResourceSynced:   true,
	ResourceSkipped:  true,
	ResourceConflict: true,
	ResourceError:    true,
}

// ListResources returns the per-resource outcomes of one pass,
// optionally filtered by status.
func (s *Service) ListResources(ctx context.Context, syncLogID uuid.UUID, status string, limit, offset int) ([]*ResourceSync, int, error) {
	if status != "" && !validResourceStatuses[status] {
		return nil, 0, fmt.Errorf("invalid status: %s", status)
	}
	if _, err := s.logs.GetByID(ctx, syncLogID); err != nil {
		return nil, 0, err
	}
	return s.resources.ListByLog(ctx, syncLogID, status, limit, offset)
}
