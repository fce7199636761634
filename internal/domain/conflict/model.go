// Package conflict records and resolves divergent edits: resources
// whose local and remote version markers both advanced since the last
// synchronized baseline. Every divergence becomes a row, including the
// ones the connection's owner policy resolves automatically; nothing is
// silently discarded.
package conflict

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Resolution strategies. ResolutionManual marks an open row awaiting a
// human decision; it is never the outcome of a resolve call.
const (
	ResolutionUseLocal  = "use_local"
	ResolutionUseRemote = "use_remote"
	ResolutionMerge     = "merge"
	ResolutionManual    = "manual"
)

// ActorPolicy is the resolved_by value for owner-policy resolutions.
const ActorPolicy = "system:policy"

// Conflict holds both sides of a divergent resource in full, so a
// reviewer can inspect the competing payloads and any strategy can be
// applied later without refetching. Rows are never deleted.
type Conflict struct {
	ID              uuid.UUID       `json:"id"`
	ConnectionID    uuid.UUID       `json:"connection_id"`
	SyncLogID       *uuid.UUID      `json:"sync_log_id,omitempty"`
	PatientID       uuid.UUID       `json:"patient_id"`
	ResourceType    string          `json:"resource_type"`
	LocalID         uuid.UUID       `json:"local_id"`
	ExternalID      string          `json:"external_fhir_id"`
	LocalPayload    json.RawMessage `json:"local_payload"`
	RemotePayload   json.RawMessage `json:"remote_payload"`
	LocalVersion    string          `json:"local_version"`
	RemoteVersion   string          `json:"remote_version"`
	BaselineVersion string          `json:"baseline_version"`
	Status          string          `json:"status"`
	Resolution      string          `json:"resolution"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	Detail          string          `json:"detail,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Open reports whether the conflict still blocks sync of its resource.
func (c *Conflict) Open() bool {
	return c.Status == StatusOpen
}

// Filter narrows conflict listings.
type Filter struct {
	Status       string
	ConnectionID *uuid.UUID
	PatientID    *uuid.UUID
}
