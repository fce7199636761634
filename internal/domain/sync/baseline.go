package sync

import (
	"context"

	"github.com/ehr/interop/internal/domain/conflict"
)

// BaselineRecorder adapts the resource repository to the conflict
// resolver's baseline writer. It is constructed before the engine so
// the resolver never depends on a running pass.
type BaselineRecorder struct {
	resources ResourceRepository
}

func NewBaselineRecorder(resources ResourceRepository) *BaselineRecorder {
	return &BaselineRecorder{resources: resources}
}

// WriteBaseline records a resolution outcome as the resource's new
// synchronized baseline. Both sides converged, so one marker fills the
// version pair.
func (b *BaselineRecorder) WriteBaseline(ctx context.Context, bl conflict.Baseline) error {
	localID := bl.LocalID
	return b.resources.Create(ctx, &ResourceSync{
		SyncLogID:     bl.SyncLogID,
		ConnectionID:  bl.ConnectionID,
		PatientID:     bl.PatientID,
		ResourceType:  bl.ResourceType,
		LocalID:       &localID,
		ExternalID:    bl.ExternalID,
		Direction:     DirectionResolution,
		Status:        ResourceSynced,
		LocalVersion:  bl.Version,
		RemoteVersion: bl.Version,
	})
}
