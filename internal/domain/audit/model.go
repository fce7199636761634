// Package audit is the append-only trail of synchronization and
// administration activity. Events are never updated or deleted; the
// repository deliberately has no mutating operations beyond Create.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known actions. The column is free-form so new actions do not
// require a migration, but everything the engine emits is listed here.
const (
	ActionConnectionCreated     = "connection.created"
	ActionConnectionUpdated     = "connection.updated"
	ActionConnectionDeactivated = "connection.deactivated"
	ActionConnectionReactivated = "connection.reactivated"
	ActionConnectionTested      = "connection.tested"

	ActionCredentialStored        = "credential.stored"
	ActionCredentialRefreshed     = "credential.refreshed"
	ActionCredentialRefreshFailed = "credential.refresh_failed"
	ActionCredentialInvalidated   = "credential.invalidated"

	ActionMappingCreated    = "mapping.created"
	ActionMappingConfirmed  = "mapping.confirmed"
	ActionMappingRejected   = "mapping.rejected"
	ActionMappingTombstoned = "mapping.tombstoned"

	ActionSyncStarted   = "sync.pass_started"
	ActionSyncCompleted = "sync.pass_completed"
	ActionRecordPulled  = "sync.record_pulled"
	ActionRecordPushed  = "sync.record_pushed"

	ActionConflictDetected = "conflict.detected"
	ActionConflictResolved = "conflict.resolved"
)

// ActorSystem marks events produced by the scheduler rather than an
// authenticated user.
const ActorSystem = "system"

type Event struct {
	ID           uuid.UUID       `json:"id"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	ConnectionID *uuid.UUID      `json:"connection_id,omitempty"`
	SyncLogID    *uuid.UUID      `json:"sync_log_id,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ToFHIR renders the event as a FHIR AuditEvent for export.
func (e *Event) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "AuditEvent",
		"id":           e.ID.String(),
		"type": map[string]interface{}{
			"system": "http://terminology.hl7.org/CodeSystem/audit-event-type",
			"code":   "rest",
		},
		"action":   fhirAction(e.Action),
		"recorded": e.OccurredAt.UTC().Format(time.RFC3339),
		"agent": []interface{}{
			map[string]interface{}{
				"requestor": e.Actor != ActorSystem,
				"name":      e.Actor,
			},
		},
		"source": map[string]interface{}{
			"observer": map[string]string{"display": "interop-engine"},
		},
	}
	if e.ResourceType != "" && e.ResourceID != "" {
		result["entity"] = []interface{}{
			map[string]interface{}{
				"what": map[string]string{"reference": e.ResourceType + "/" + e.ResourceID},
			},
		}
	}
	if e.Detail != nil {
		result["outcomeDesc"] = string(e.Detail)
	}
	return result
}

// fhirAction maps an engine action verb to the FHIR AuditEvent action
// code (C, R, U, D, or E for execute).
func fhirAction(action string) string {
	switch {
	case hasSuffix(action, ".created", ".stored"):
		return "C"
	case hasSuffix(action, ".updated", ".confirmed", ".resolved", ".reactivated"):
		return "U"
	case hasSuffix(action, ".deactivated", ".tombstoned", ".rejected", ".invalidated"):
		return "D"
	default:
		return "E"
	}
}

func hasSuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if len(s) >= len(suf) && s[len(s)-len(suf):] == suf {
			return true
		}
	}
	return false
}
