package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/translate"
	"github.com/ehr/interop/internal/platform/fhir"
	"github.com/ehr/interop/internal/platform/fhirclient"
)

// ErrCredentialsMissing tags a probe failure caused by a connection that
// was never seeded with credentials. The token source factory wraps the
// vault's sentinel into this one so TestConnection can report the setup
// gap without marking the connection unhealthy.
var ErrCredentialsMissing = errors.New("credentials not seeded")

// Prober fetches the CapabilityStatement of a connection's FHIR base
// URL.
type Prober func(ctx context.Context, conn *Connection) (*fhir.CapabilityStatement, error)

// TokenSourceFactory builds the bearer token callback for one
// connection, normally backed by the vault.
type TokenSourceFactory func(conn *Connection) fhirclient.TokenSource

// DefaultProber issues a single authenticated metadata request, so a
// probe exercises the same credential path a sync pass does. tokens may
// be nil for servers that accept unauthenticated reads.
func DefaultProber(timeout time.Duration, tokens TokenSourceFactory, logger zerolog.Logger) Prober {
	return func(ctx context.Context, conn *Connection) (*fhir.CapabilityStatement, error) {
		var src fhirclient.TokenSource
		if tokens != nil {
			src = tokens(conn)
		}
		client := fhirclient.New(fhirclient.Options{
			BaseURL:     conn.BaseURL,
			Timeout:     timeout,
			MaxAttempts: 1,
		}, src, logger)
		return client.Metadata(ctx)
	}
}

// PassCanceller winds down a connection's in-flight sync pass. The sync
// engine implements it.
type PassCanceller interface {
	CancelPass(connectionID uuid.UUID) bool
}

type Service struct {
	repo   Repository
	probe  Prober
	audit  audit.Sink
	passes PassCanceller
	tr     *translate.Translator
}

// NewService builds the connection service. sink may be nil; events are
// then dropped.
func NewService(repo Repository, probe Prober, sink audit.Sink) *Service {
	return &Service{repo: repo, probe: probe, audit: sink, tr: translate.New()}
}

// SetPassCanceller wires the sync engine in after construction; the
// engine itself depends on this service, so the reference cannot be a
// constructor argument.
func (s *Service) SetPassCanceller(p PassCanceller) {
	s.passes = p
}

var validVendors = map[string]bool{
	VendorEpic:       true,
	VendorCerner:     true,
	VendorAllscripts: true,
	VendorGeneric:    true,
}

var validFrequencies = map[string]bool{
	FrequencyRealtime: true,
	FrequencyHourly:   true,
	FrequencyDaily:    true,
	FrequencyManual:   true,
}

var validDirections = map[string]bool{
	DirectionPull:          true,
	DirectionPush:          true,
	DirectionBidirectional: true,
}

func (s *Service) CreateConnection(ctx context.Context, conn *Connection, actor string) error {
	if conn.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !validVendors[conn.Vendor] {
		return fmt.Errorf("invalid vendor: %s", conn.Vendor)
	}
	if err := validateURL("base_url", conn.BaseURL); err != nil {
		return err
	}
	if err := validateURL("token_url", conn.TokenURL); err != nil {
		return err
	}
	if conn.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if conn.Status == "" {
		conn.Status = StatusActive
	}
	if conn.SyncFrequency == "" {
		conn.SyncFrequency = FrequencyHourly
	}
	if !validFrequencies[conn.SyncFrequency] {
		return fmt.Errorf("invalid sync_frequency: %s", conn.SyncFrequency)
	}
	if conn.SyncDirection == "" {
		conn.SyncDirection = DirectionPull
	}
	if !validDirections[conn.SyncDirection] {
		return fmt.Errorf("invalid sync_direction: %s", conn.SyncDirection)
	}
	if len(conn.ResourceTypes) == 0 {
		conn.ResourceTypes = s.tr.SupportedTypes()
	}
	if err := s.validateResourceTypes(conn.ResourceTypes); err != nil {
		return err
	}
	if err := s.validateOwners(conn.ResourceOwners); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, conn); err != nil {
		return err
	}
	s.record(ctx, audit.ActionConnectionCreated, actor, conn.ID, map[string]interface{}{
		"vendor": conn.Vendor,
		"name":   conn.Name,
	})
	return nil
}

func (s *Service) validateResourceTypes(types []string) error {
	for _, rt := range types {
		if !s.tr.Supported(rt) {
			return fmt.Errorf("unsupported resource type: %s", rt)
		}
	}
	return nil
}

func (s *Service) validateOwners(owners map[string]string) error {
	for rt, owner := range owners {
		if !s.tr.Supported(rt) {
			return fmt.Errorf("resource_owners: unsupported resource type: %s", rt)
		}
		if owner != OwnerLocal && owner != OwnerRemote {
			return fmt.Errorf("resource_owners[%s]: owner must be %q or %q", rt, OwnerLocal, OwnerRemote)
		}
	}
	return nil
}

func (s *Service) GetConnection(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListConnections(ctx context.Context, status string, limit, offset int) ([]*Connection, int, error) {
	return s.repo.List(ctx, status, limit, offset)
}

// ListActive returns the connections the scheduler runs passes for.
func (s *Service) ListActive(ctx context.Context) ([]*Connection, error) {
	return s.repo.ListActive(ctx)
}

// UpdateConnection changes the mutable fields: name, endpoint URLs,
// client credentials config, sync frequency, direction, resource scope
// and ownership. Vendor is immutable and status moves through
// Deactivate, Reactivate and MarkError.
func (s *Service) UpdateConnection(ctx context.Context, id uuid.UUID, upd *Connection, actor string) (*Connection, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Vendor != "" && upd.Vendor != existing.Vendor {
		return nil, fmt.Errorf("vendor cannot be changed")
	}
	if upd.Name != "" {
		existing.Name = upd.Name
	}
	if upd.BaseURL != "" {
		if err := validateURL("base_url", upd.BaseURL); err != nil {
			return nil, err
		}
		existing.BaseURL = upd.BaseURL
	}
	if upd.TokenURL != "" {
		if err := validateURL("token_url", upd.TokenURL); err != nil {
			return nil, err
		}
		existing.TokenURL = upd.TokenURL
	}
	if upd.ClientID != "" {
		existing.ClientID = upd.ClientID
	}
	if upd.Scopes != "" {
		existing.Scopes = upd.Scopes
	}
	if upd.SyncFrequency != "" {
		if !validFrequencies[upd.SyncFrequency] {
			return nil, fmt.Errorf("invalid sync_frequency: %s", upd.SyncFrequency)
		}
		existing.SyncFrequency = upd.SyncFrequency
	}
	if upd.SyncDirection != "" {
		if !validDirections[upd.SyncDirection] {
			return nil, fmt.Errorf("invalid sync_direction: %s", upd.SyncDirection)
		}
		existing.SyncDirection = upd.SyncDirection
	}
	if upd.ResourceTypes != nil {
		if err := s.validateResourceTypes(upd.ResourceTypes); err != nil {
			return nil, err
		}
		existing.ResourceTypes = upd.ResourceTypes
	}
	if upd.IdentifierSystem != "" {
		existing.IdentifierSystem = upd.IdentifierSystem
	}
	if upd.ResourceOwners != nil {
		if err := s.validateOwners(upd.ResourceOwners); err != nil {
			return nil, err
		}
		existing.ResourceOwners = upd.ResourceOwners
	}
	if err := s.repo.Update(ctx, existing); err != nil {
		return nil, err
	}
	s.record(ctx, audit.ActionConnectionUpdated, actor, existing.ID, nil)
	return existing, nil
}

// Deactivate takes the connection out of sync rotation and tells any
// in-flight pass to wind down. The row stays; mappings and sync history
// remain resolvable.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID, actor string) error {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if conn.Status == StatusInactive {
		return nil
	}
	conn.Status = StatusInactive
	if err := s.repo.Update(ctx, conn); err != nil {
		return err
	}
	canceled := false
	if s.passes != nil {
		canceled = s.passes.CancelPass(id)
	}
	s.record(ctx, audit.ActionConnectionDeactivated, actor, conn.ID, map[string]interface{}{
		"pass_canceled": canceled,
	})
	return nil
}

func (s *Service) Reactivate(ctx context.Context, id uuid.UUID, actor string) error {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if conn.Status == StatusActive {
		return nil
	}
	conn.Status = StatusActive
	conn.StatusReason = nil
	if err := s.repo.Update(ctx, conn); err != nil {
		return err
	}
	s.record(ctx, audit.ActionConnectionReactivated, actor, conn.ID, nil)
	return nil
}

// MarkError flags the connection after a failed pass or probe. Inactive
// connections keep their status so deactivation is never undone by a
// background failure.
func (s *Service) MarkError(ctx context.Context, id uuid.UUID, reason string) error {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if conn.Status == StatusInactive {
		return nil
	}
	conn.Status = StatusError
	conn.StatusReason = &reason
	return s.repo.Update(ctx, conn)
}

// MarkHealthy clears an error state after a successful pass.
func (s *Service) MarkHealthy(ctx context.Context, id uuid.UUID) error {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if conn.Status != StatusError {
		return nil
	}
	conn.Status = StatusActive
	conn.StatusReason = nil
	return s.repo.Update(ctx, conn)
}

// TouchLastSync records the completion time of a successful or partial
// pass.
func (s *Service) TouchLastSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.repo.TouchLastSync(ctx, id, at)
}

// TestConnection probes the FHIR base URL with a vault token and
// records the outcome on the connection row. Three failure classes:
// unseeded credentials are reported without touching the status,
// rejected credentials and unreachable endpoints flip it to error.
func (s *Service) TestConnection(ctx context.Context, id uuid.UUID, actor string) (*ProbeResult, error) {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &ProbeResult{CheckedAt: time.Now().UTC()}
	cs, probeErr := s.probe(ctx, conn)
	if probeErr != nil {
		result.Error = probeErr.Error()
		switch {
		case errors.Is(probeErr, ErrCredentialsMissing):
			result.CredentialsMissing = true
		case errors.Is(probeErr, fhirclient.ErrAuthRejected):
			// The endpoint answered; the credentials did not pass.
			result.Reachable = true
			result.AuthFailed = true
			if err := s.MarkError(ctx, id, probeErr.Error()); err != nil {
				return nil, err
			}
		default:
			if err := s.MarkError(ctx, id, probeErr.Error()); err != nil {
				return nil, err
			}
		}
		s.record(ctx, audit.ActionConnectionTested, actor, id, map[string]interface{}{
			"reachable":           result.Reachable,
			"auth_failed":         result.AuthFailed,
			"credentials_missing": result.CredentialsMissing,
			"error":               probeErr.Error(),
		})
		return result, nil
	}

	result.Reachable = true
	result.FHIRVersion = cs.FHIRVersion
	declares := false
	for _, rest := range cs.Rest {
		if len(rest.Resource) > 0 {
			declares = true
			break
		}
	}
	if declares {
		for _, rt := range conn.ResourceTypes {
			if !cs.SupportsResource(rt) {
				result.MissingTypes = append(result.MissingTypes, rt)
			}
		}
	}
	if err := s.MarkHealthy(ctx, id); err != nil {
		return nil, err
	}
	s.record(ctx, audit.ActionConnectionTested, actor, id, map[string]interface{}{
		"reachable":    true,
		"fhir_version": cs.FHIRVersion,
	})
	return result, nil
}

// StatusSummary reports connection counts per status.
func (s *Service) StatusSummary(ctx context.Context) (map[string]int, error) {
	return s.repo.CountByStatus(ctx)
}

func (s *Service) record(ctx context.Context, action, actor string, id uuid.UUID, detail map[string]interface{}) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, audit.ConnectionChange(action, actor, id, detail))
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL", field)
	}
	return nil
}
