// Package mapping links internal patients to their FHIR ids on external
// EHR connections. Mappings are never hard-deleted: rejected or retired
// rows are tombstoned so the audit trail stays reconstructable.
//
// Automatic matching is deliberately conservative. A remote search can
// only produce a pending candidate; a mapping becomes synced through a
// human confirmation, or through CreateFromRemote when a pulled Patient
// resource carries the local MRN on the connection's identifier system.
package mapping

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending  = "pending"
	StatusSynced   = "synced"
	StatusConflict = "conflict"
	StatusError    = "error"
)

const (
	MatchedByIdentifier   = "identifier"
	MatchedByDemographics = "demographics"
	MatchedByManual       = "manual"
)

type Mapping struct {
	ID           uuid.UUID  `json:"id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	ConnectionID uuid.UUID  `json:"connection_id"`
	ExternalID   string     `json:"external_fhir_id,omitempty"`
	Status       string     `json:"status"`
	MatchedBy    string     `json:"matched_by"`
	Tombstoned   bool       `json:"tombstoned"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Syncable reports whether the orchestrator may move resources across
// this mapping.
func (m *Mapping) Syncable() bool {
	return !m.Tombstoned && m.Status == StatusSynced && m.ExternalID != ""
}

// Candidate is one remote patient offered for manual confirmation when
// a search returned more than one plausible match.
type Candidate struct {
	ExternalID string `json:"external_fhir_id"`
	FamilyName string `json:"family_name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	BirthDate  string `json:"birth_date,omitempty"`
	MRN        string `json:"mrn,omitempty"`
}

// Resolution is the outcome of a Resolve call: the mapping row (nil
// when no candidates were found) and, for pending rows, the candidates
// the admin picks from.
type Resolution struct {
	Mapping    *Mapping    `json:"mapping"`
	Candidates []Candidate `json:"candidates,omitempty"`
}
