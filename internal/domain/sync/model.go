// Package sync runs synchronization passes against external EHR
// connections: pulling remote changes into the local store, pushing
// local changes out, and recording every resource outcome. A pass is
// exclusive per connection and always closes its log with a terminal
// status; per-resource failures never abort a pass, connection-level
// failures always do.
package sync

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypeFull        = "full"
	TypeIncremental = "incremental"
	TypeManual      = "manual"
)

const (
	LogRunning = "running"
	LogSuccess = "success"
	LogPartial = "partial"
	LogFailed  = "failed"
)

// Per-resource outcomes within a pass.
const (
	ResourceSynced   = "synced"
	ResourceSkipped  = "skipped"
	ResourceConflict = "conflict"
	ResourceError    = "error"
)

// Direction of one resource outcome. Resolution rows are written by the
// conflict resolver outside any pull or push phase.
const (
	DirectionPull       = "pull"
	DirectionPush       = "push"
	DirectionResolution = "resolution"
)

// PassError is one recorded per-resource failure.
type PassError struct {
	ResourceType string `json:"resource_type"`
	ExternalID   string `json:"external_id,omitempty"`
	Message      string `json:"message"`
}

// SyncLog is the record of one pass. Once a terminal status is written
// the row never changes; a new pass always creates a new row.
type SyncLog struct {
	ID           uuid.UUID   `json:"id"`
	ConnectionID uuid.UUID   `json:"connection_id"`
	SyncType     string      `json:"sync_type"`
	Direction    string      `json:"direction"`
	Status       string      `json:"status"`
	Processed    int         `json:"resources_processed"`
	Succeeded    int         `json:"resources_succeeded"`
	Failed       int         `json:"resources_failed"`
	Conflicts    int         `json:"conflicts_detected"`
	Errors       []PassError `json:"errors,omitempty"`
	Summary      string      `json:"summary,omitempty"`
	TriggeredBy  string      `json:"triggered_by"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// Terminal reports whether the pass has closed.
func (l *SyncLog) Terminal() bool {
	return l.Status != LogRunning
}

// ResourceSync is the outcome for one resource instance within one
// pass. The latest synced row per (connection, resource type, external
// id) carries the baseline version pair the next pass compares against.
type ResourceSync struct {
	ID            uuid.UUID  `json:"id"`
	SyncLogID     *uuid.UUID `json:"sync_log_id,omitempty"`
	ConnectionID  uuid.UUID  `json:"connection_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	ResourceType  string     `json:"resource_type"`
	LocalID       *uuid.UUID `json:"local_id,omitempty"`
	ExternalID    string     `json:"external_id"`
	Direction     string     `json:"direction"`
	Status        string     `json:"status"`
	LocalVersion  string     `json:"local_version,omitempty"`
	RemoteVersion string     `json:"remote_version,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
