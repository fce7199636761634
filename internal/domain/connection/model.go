// Package connection is the registry of external EHR endpoints a tenant
// synchronizes with. Connections are never hard-deleted; deactivation
// keeps the row so sync history and mappings stay resolvable.
package connection

import (
	"time"

	"github.com/google/uuid"
)

const (
	VendorEpic       = "epic"
	VendorCerner     = "cerner"
	VendorAllscripts = "allscripts"
	VendorGeneric    = "generic"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusError    = "error"
)

const (
	FrequencyRealtime = "realtime"
	FrequencyHourly   = "hourly"
	FrequencyDaily    = "daily"
	FrequencyManual   = "manual"
)

const (
	DirectionPull          = "pull"
	DirectionPush          = "push"
	DirectionBidirectional = "bidirectional"
)

// Ownership values for ResourceOwners. The owner's copy wins when both
// sides changed; resources without an owner go to manual conflict
// resolution.
const (
	OwnerLocal  = "local"
	OwnerRemote = "remote"
)

type Connection struct {
	ID               uuid.UUID         `json:"id"`
	Name             string            `json:"name"`
	Vendor           string            `json:"vendor"`
	BaseURL          string            `json:"base_url"`
	TokenURL         string            `json:"token_url"`
	ClientID         string            `json:"client_id"`
	Scopes           string            `json:"scopes,omitempty"`
	Status           string            `json:"status"`
	StatusReason     *string           `json:"status_reason,omitempty"`
	SyncFrequency    string            `json:"sync_frequency"`
	SyncDirection    string            `json:"sync_direction"`
	ResourceTypes    []string          `json:"resource_types"`
	IdentifierSystem string            `json:"identifier_system,omitempty"`
	ResourceOwners   map[string]string `json:"resource_owners,omitempty"`
	LastSyncAt       *time.Time        `json:"last_sync_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Active reports whether the connection participates in scheduled sync
// passes.
func (c *Connection) Active() bool {
	return c.Status == StatusActive
}

// Pulls reports whether passes read remote changes into the local store.
func (c *Connection) Pulls() bool {
	return c.SyncDirection == DirectionPull || c.SyncDirection == DirectionBidirectional
}

// Pushes reports whether passes write local changes to the EHR.
func (c *Connection) Pushes() bool {
	return c.SyncDirection == DirectionPush || c.SyncDirection == DirectionBidirectional
}

// SyncsType reports whether resourceType is in the connection's sync
// scope.
func (c *Connection) SyncsType(resourceType string) bool {
	for _, rt := range c.ResourceTypes {
		if rt == resourceType {
			return true
		}
	}
	return false
}

// Owner returns the configured system of record for resourceType, or ""
// when none is set.
func (c *Connection) Owner(resourceType string) string {
	return c.ResourceOwners[resourceType]
}

// SyncInterval returns the automatic pass interval for the connection's
// frequency. ok is false for manual connections, which only run when
// triggered.
func (c *Connection) SyncInterval() (time.Duration, bool) {
	switch c.SyncFrequency {
	case FrequencyRealtime:
		return 0, true
	case FrequencyHourly:
		return time.Hour, true
	case FrequencyDaily:
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}

// Due reports whether an automatic pass should run at now. Realtime
// connections are due every scheduler tick.
func (c *Connection) Due(now time.Time) bool {
	interval, ok := c.SyncInterval()
	if !ok {
		return false
	}
	if c.LastSyncAt == nil {
		return true
	}
	return now.Sub(*c.LastSyncAt) >= interval
}

// ProbeResult is the outcome of one connectivity test. MissingTypes
// lists configured resource types the server's capability statement
// does not declare; it stays empty for servers that do not enumerate
// their resources.
type ProbeResult struct {
	Reachable          bool      `json:"reachable"`
	AuthFailed         bool      `json:"auth_failed,omitempty"`
	CredentialsMissing bool      `json:"credentials_missing,omitempty"`
	FHIRVersion        string    `json:"fhir_version,omitempty"`
	MissingTypes       []string  `json:"missing_types,omitempty"`
	Error              string    `json:"error,omitempty"`
	CheckedAt          time.Time `json:"checked_at"`
}
