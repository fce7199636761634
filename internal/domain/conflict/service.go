package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/clinical"
	"github.com/ehr/interop/internal/domain/connection"
	"github.com/ehr/interop/internal/domain/mapping"
	"github.com/ehr/interop/internal/domain/patient"
	"github.com/ehr/interop/internal/domain/translate"
)

// ErrAlreadyResolved guards resolution idempotency: resolving a
// resolved conflict is refused, never reapplied.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// ClinicalStore is the slice of the clinical service the resolver
// writes through when the remote or merged side wins.
type ClinicalStore interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*clinical.Record, error)
	UpdateRecord(ctx context.Context, rec *clinical.Record) error
}

// PatientStore is the demographic write path. Patient conflicts write
// through the directory, not the clinical store.
type PatientStore interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	UpdatePatient(ctx context.Context, id uuid.UUID, upd *patient.Patient) (*patient.Patient, error)
}

// RemoteWriter pushes a winning payload back to the EHR. Read backs the
// Patient write path, which replaces only the demographic core.
type RemoteWriter interface {
	Read(ctx context.Context, resourceType, id string) (json.RawMessage, error)
	Update(ctx context.Context, resourceType, id string, resource map[string]interface{}) (json.RawMessage, error)
}

// WriterFactory builds an authenticated RemoteWriter for a connection.
type WriterFactory func(conn *connection.Connection) RemoteWriter

type ConnectionGetter interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*connection.Connection, error)
}

// Baseline is the post-resolution version pair handed to the sync
// layer. Both sides converge on the same content, so a single marker
// covers local and remote.
type Baseline struct {
	ConnectionID uuid.UUID
	SyncLogID    *uuid.UUID
	PatientID    uuid.UUID
	ResourceType string
	LocalID      uuid.UUID
	ExternalID   string
	Version      string
}

// BaselineWriter stores a resolution outcome as the new synchronized
// baseline for the resource.
type BaselineWriter interface {
	WriteBaseline(ctx context.Context, b Baseline) error
}

// MappingStatus flips patient mapping states as conflicts open and
// clear.
type MappingStatus interface {
	MarkPairStatus(ctx context.Context, patientID, connectionID uuid.UUID, status string) error
}

type Service struct {
	repo        Repository
	clinical    ClinicalStore
	patients    PatientStore
	connections ConnectionGetter
	remote      WriterFactory
	baselines   BaselineWriter
	mappings    MappingStatus
	audit       audit.Sink
	logger      zerolog.Logger
	tr          *translate.Translator
}

func NewService(repo Repository, store ClinicalStore, patients PatientStore,
	connections ConnectionGetter, remote WriterFactory, baselines BaselineWriter,
	mappings MappingStatus, sink audit.Sink, logger zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		clinical:    store,
		patients:    patients,
		connections: connections,
		remote:      remote,
		baselines:   baselines,
		mappings:    mappings,
		audit:       sink,
		logger:      logger,
		tr:          translate.New(),
	}
}

// RecordInput captures one detected divergence. Versions are the
// markers the orchestrator computed when it compared the two sides.
type RecordInput struct {
	ConnectionID    uuid.UUID
	SyncLogID       *uuid.UUID
	PatientID       uuid.UUID
	ResourceType    string
	LocalID         uuid.UUID
	ExternalID      string
	LocalPayload    json.RawMessage
	RemotePayload   json.RawMessage
	LocalVersion    string
	RemoteVersion   string
	BaselineVersion string
}

func (in RecordInput) validate() error {
	if in.ConnectionID == uuid.Nil || in.PatientID == uuid.Nil || in.LocalID == uuid.Nil {
		return fmt.Errorf("connection, patient and local record ids are required")
	}
	if in.ExternalID == "" {
		return fmt.Errorf("external_fhir_id is required")
	}
	if len(in.LocalPayload) == 0 || len(in.RemotePayload) == 0 {
		return fmt.Errorf("both payloads are required")
	}
	if in.LocalVersion == "" || in.RemoteVersion == "" {
		return fmt.Errorf("both version markers are required")
	}
	return nil
}

// Record stores a detected conflict and applies the connection's owner
// policy. A configured owner resolves the row immediately under
// system:policy; without one the row stays open and the resource is
// excluded from sync until someone resolves it. An already-open
// conflict for the same resource is returned as-is rather than
// duplicated.
func (s *Service) Record(ctx context.Context, in RecordInput) (*Conflict, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if !s.tr.Supported(in.ResourceType) {
		return nil, fmt.Errorf("%w: %s", translate.ErrUnsupportedType, in.ResourceType)
	}

	existing, err := s.repo.OpenByResource(ctx, in.ConnectionID, in.ResourceType, in.ExternalID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conn, err := s.connections.GetConnection(ctx, in.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}

	c := &Conflict{
		ConnectionID:    in.ConnectionID,
		SyncLogID:       in.SyncLogID,
		PatientID:       in.PatientID,
		ResourceType:    in.ResourceType,
		LocalID:         in.LocalID,
		ExternalID:      in.ExternalID,
		LocalPayload:    in.LocalPayload,
		RemotePayload:   in.RemotePayload,
		LocalVersion:    in.LocalVersion,
		RemoteVersion:   in.RemoteVersion,
		BaselineVersion: in.BaselineVersion,
		Status:          StatusOpen,
		Resolution:      ResolutionManual,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.record(ctx, audit.ActionConflictDetected, audit.ActorSystem, c, map[string]interface{}{
		"conflict_id":      c.ID.String(),
		"local_version":    c.LocalVersion,
		"remote_version":   c.RemoteVersion,
		"baseline_version": c.BaselineVersion,
	})

	var strategy string
	switch conn.Owner(in.ResourceType) {
	case connection.OwnerRemote:
		strategy = ResolutionUseRemote
	case connection.OwnerLocal:
		strategy = ResolutionUseLocal
	default:
		s.markPair(ctx, c, mapping.StatusConflict)
		s.logger.Info().
			Str("conflict_id", c.ID.String()).
			Str("connection_id", c.ConnectionID.String()).
			Str("resource_type", c.ResourceType).
			Str("external_id", c.ExternalID).
			Msg("conflict queued for manual resolution")
		return c, nil
	}

	if err := s.resolve(ctx, c, strategy, ActorPolicy, "owner policy"); err != nil {
		// The row stays open; an operator can resolve it once the
		// underlying failure clears.
		s.markPair(ctx, c, mapping.StatusConflict)
		s.logger.Warn().Err(err).
			Str("conflict_id", c.ID.String()).
			Str("strategy", strategy).
			Msg("owner policy resolution failed, conflict left open")
	}
	return c, nil
}

// Resolve applies a strategy to an open conflict. Resolving a resolved
// conflict returns ErrAlreadyResolved without touching either side.
func (s *Service) Resolve(ctx context.Context, conflictID uuid.UUID, strategy, actor, note string) (*Conflict, error) {
	c, err := s.repo.GetByID(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, c, strategy, actor, note); err != nil {
		return nil, err
	}
	return c, nil
}

var validStrategies = map[string]bool{
	ResolutionUseLocal:  true,
	ResolutionUseRemote: true,
	ResolutionMerge:     true,
}

func (s *Service) resolve(ctx context.Context, c *Conflict, strategy, actor, note string) error {
	if !c.Open() {
		return ErrAlreadyResolved
	}
	if !validStrategies[strategy] {
		return fmt.Errorf("invalid strategy: %s", strategy)
	}

	conn, err := s.connections.GetConnection(ctx, c.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}

	var version string
	switch strategy {
	case ResolutionUseLocal:
		version, err = s.applyLocalWins(ctx, conn, c)
	case ResolutionUseRemote:
		version, err = s.applyRemoteWins(ctx, c)
	case ResolutionMerge:
		version, err = s.applyMerge(ctx, conn, c)
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", strategy, err)
	}

	if err := s.baselines.WriteBaseline(ctx, Baseline{
		ConnectionID: c.ConnectionID,
		SyncLogID:    c.SyncLogID,
		PatientID:    c.PatientID,
		ResourceType: c.ResourceType,
		LocalID:      c.LocalID,
		ExternalID:   c.ExternalID,
		Version:      version,
	}); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}

	now := time.Now().UTC()
	c.Status = StatusResolved
	c.Resolution = strategy
	c.ResolvedBy = actor
	c.ResolvedAt = &now
	if note != "" {
		c.Detail = note
	}
	if err := s.repo.Update(ctx, c); err != nil {
		return err
	}

	open, err := s.repo.CountOpenForPair(ctx, c.PatientID, c.ConnectionID)
	if err == nil && open == 0 {
		s.markPair(ctx, c, mapping.StatusSynced)
	}

	s.record(ctx, audit.ActionConflictResolved, actor, c, map[string]interface{}{
		"conflict_id": c.ID.String(),
		"strategy":    strategy,
		"new_version": version,
	})
	s.logger.Info().
		Str("conflict_id", c.ID.String()).
		Str("connection_id", c.ConnectionID.String()).
		Str("resource_type", c.ResourceType).
		Str("strategy", strategy).
		Str("resolved_by", actor).
		Msg("conflict resolved")
	return nil
}

// applyLocalWins pushes the stored local payload to the EHR. The local
// side already holds the winning content.
func (s *Service) applyLocalWins(ctx context.Context, conn *connection.Connection, c *Conflict) (string, error) {
	if err := s.writeRemote(ctx, conn, c, c.LocalPayload); err != nil {
		return "", err
	}
	return c.LocalVersion, nil
}

// applyRemoteWins overwrites the local record with the stored remote
// payload. The remote side is untouched.
func (s *Service) applyRemoteWins(ctx context.Context, c *Conflict) (string, error) {
	if err := s.writeLocal(ctx, c, c.RemotePayload); err != nil {
		return "", err
	}
	return c.RemoteVersion, nil
}

// applyMerge writes the field union to both sides and returns the
// marker the next pass will compute for the merged content.
func (s *Service) applyMerge(ctx context.Context, conn *connection.Connection, c *Conflict) (string, error) {
	merged, err := mergeResources(c.LocalPayload, c.RemotePayload)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	if err := s.writeRemote(ctx, conn, c, data); err != nil {
		return "", err
	}
	if err := s.writeLocal(ctx, c, data); err != nil {
		return "", err
	}
	rec, err := s.tr.FromFHIR(c.ResourceType, data)
	if err != nil {
		return "", err
	}
	return s.tr.Fingerprint(rec)
}

// writeRemote puts the winning payload on the EHR. Ordinary resources
// are replaced wholesale; Patient writes read the remote resource first
// and replace only its demographic core, so remote-only elements such
// as the EHR's own identifiers survive the resolution.
func (s *Service) writeRemote(ctx context.Context, conn *connection.Connection, c *Conflict, payload json.RawMessage) error {
	var resource map[string]interface{}
	if err := json.Unmarshal(payload, &resource); err != nil {
		return fmt.Errorf("winning payload: %w", err)
	}

	w := s.remote(conn)
	if c.ResourceType == "Patient" {
		raw, err := w.Read(ctx, c.ResourceType, c.ExternalID)
		if err != nil {
			return fmt.Errorf("read remote patient: %w", err)
		}
		var current map[string]interface{}
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("remote patient: %w", err)
		}
		resource = translate.OverlayPatientCore(current, resource)
	}
	resource["id"] = c.ExternalID

	_, err := w.Update(ctx, c.ResourceType, c.ExternalID, resource)
	return err
}

// writeLocal replaces the local side's clinical content with the given
// FHIR payload. Patient conflicts land on the directory entry; every
// other type lands on its clinical record. Row identity and provenance
// stay as they were.
func (s *Service) writeLocal(ctx context.Context, c *Conflict, payload json.RawMessage) error {
	rec, err := s.tr.FromFHIR(c.ResourceType, payload)
	if err != nil {
		return err
	}

	if c.ResourceType == "Patient" {
		p, err := s.patients.GetPatient(ctx, c.PatientID)
		if err != nil {
			return fmt.Errorf("load patient: %w", err)
		}
		p.ApplyDemographics(rec.(*translate.PatientRecord))
		_, err = s.patients.UpdatePatient(ctx, p.ID, p)
		return err
	}

	row, err := s.clinical.GetRecord(ctx, c.LocalID)
	if err != nil {
		return fmt.Errorf("load local record: %w", err)
	}
	if err := row.SetPayload(rec); err != nil {
		return err
	}
	return s.clinical.UpdateRecord(ctx, row)
}

func (s *Service) GetConflict(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListConflicts(ctx context.Context, f Filter, limit, offset int) ([]*Conflict, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// HasOpen reports whether an open conflict excludes the resource from
// sync.
func (s *Service) HasOpen(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (bool, error) {
	_, err := s.repo.OpenByResource(ctx, connectionID, resourceType, externalID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// OpenCountForPair reports how many conflicts still block the pair.
func (s *Service) OpenCountForPair(ctx context.Context, patientID, connectionID uuid.UUID) (int, error) {
	return s.repo.CountOpenForPair(ctx, patientID, connectionID)
}

func (s *Service) markPair(ctx context.Context, c *Conflict, status string) {
	if s.mappings == nil {
		return
	}
	if err := s.mappings.MarkPairStatus(ctx, c.PatientID, c.ConnectionID, status); err != nil {
		s.logger.Warn().Err(err).
			Str("patient_id", c.PatientID.String()).
			Str("connection_id", c.ConnectionID.String()).
			Msg("mapping status update failed")
	}
}

func (s *Service) record(ctx context.Context, action, actor string, c *Conflict, detail map[string]interface{}) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, audit.ConflictResolution(action, actor, c.ConnectionID, c.SyncLogID, c.ResourceType, c.ExternalID, detail))
}
