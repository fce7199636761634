// Package clinical is the internal store for patient clinical records.
// Records hold the engine's own representation of a resource, including
// fields that never leave the platform; the content hash is computed
// over the FHIR projection so local and remote copies compare equal
// when they carry the same clinical content.
package clinical

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/domain/translate"
)

const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Record is one clinical resource owned by a patient. Payload is the
// serialized internal form (translate record JSON), not raw FHIR.
type Record struct {
	ID           uuid.UUID       `json:"id"`
	PatientID    uuid.UUID       `json:"patient_id"`
	ResourceType string          `json:"resource_type"`
	Payload      json.RawMessage `json:"payload"`
	ContentHash  string          `json:"content_hash"`
	Origin       string          `json:"origin"`
	ConnectionID *uuid.UUID      `json:"connection_id,omitempty"`
	ExternalID   *string         `json:"external_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Decode parses the payload into its typed translate record.
func (r *Record) Decode() (translate.Record, error) {
	rec, err := translate.EmptyRecord(r.ResourceType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Payload, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SetPayload serializes a translate record back into the row.
func (r *Record) SetPayload(rec translate.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	r.Payload = data
	r.ResourceType = rec.ResourceType()
	return nil
}
