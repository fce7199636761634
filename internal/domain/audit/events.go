package audit

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Typed event constructors. Services build events through these so every
// entry of one kind carries the same entity shape; the sink fills actor
// and timestamp defaults.

// SyncPass describes the start or completion of one pass.
func SyncPass(action, actor string, connectionID, syncLogID uuid.UUID, detail map[string]interface{}) *Event {
	ev := &Event{
		Action:       action,
		Actor:        actor,
		ResourceType: "SyncLog",
		ResourceID:   syncLogID.String(),
		ConnectionID: &connectionID,
		SyncLogID:    &syncLogID,
	}
	ev.Detail = marshalDetail(detail)
	return ev
}

// ResourceWrite describes one record moved across the boundary during a
// pass: a pull landed locally or a push written to the remote server.
func ResourceWrite(action string, connectionID, syncLogID uuid.UUID, resourceType, externalID string) *Event {
	return &Event{
		Action:       action,
		Actor:        ActorSystem,
		ResourceType: resourceType,
		ResourceID:   externalID,
		ConnectionID: &connectionID,
		SyncLogID:    &syncLogID,
	}
}

// TokenRefresh describes a credential lifecycle action on a connection.
// Token values never appear in the trail.
func TokenRefresh(action, actor string, connectionID uuid.UUID, detail map[string]interface{}) *Event {
	ev := &Event{
		Action:       action,
		Actor:        actor,
		ResourceType: "EhrConnection",
		ResourceID:   connectionID.String(),
		ConnectionID: &connectionID,
	}
	ev.Detail = marshalDetail(detail)
	return ev
}

// ConflictResolution describes detection or resolution of a divergence
// on one resource.
func ConflictResolution(action, actor string, connectionID uuid.UUID, syncLogID *uuid.UUID, resourceType, externalID string, detail map[string]interface{}) *Event {
	ev := &Event{
		Action:       action,
		Actor:        actor,
		ResourceType: resourceType,
		ResourceID:   externalID,
		ConnectionID: &connectionID,
		SyncLogID:    syncLogID,
	}
	ev.Detail = marshalDetail(detail)
	return ev
}

// MappingDecision describes a mapping lifecycle action: created,
// confirmed, rejected or tombstoned.
func MappingDecision(action, actor string, connectionID, mappingID uuid.UUID, detail map[string]interface{}) *Event {
	ev := &Event{
		Action:       action,
		Actor:        actor,
		ResourceType: "PatientMapping",
		ResourceID:   mappingID.String(),
		ConnectionID: &connectionID,
	}
	ev.Detail = marshalDetail(detail)
	return ev
}

// ConnectionChange describes an administrative change to a connection.
func ConnectionChange(action, actor string, connectionID uuid.UUID, detail map[string]interface{}) *Event {
	ev := &Event{
		Action:       action,
		Actor:        actor,
		ResourceType: "EhrConnection",
		ResourceID:   connectionID.String(),
		ConnectionID: &connectionID,
	}
	ev.Detail = marshalDetail(detail)
	return ev
}

func marshalDetail(detail map[string]interface{}) json.RawMessage {
	if detail == nil {
		return nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return nil
	}
	return raw
}
