package mapping

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/connection"
	"github.com/ehr/interop/internal/domain/patient"
	"github.com/ehr/interop/internal/domain/translate"
	"github.com/ehr/interop/internal/platform/fhir"
)

// PatientDirectory is the slice of the patient service the mapper needs.
type PatientDirectory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

// ConnectionGetter loads connection configuration for remote searches.
type ConnectionGetter interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*connection.Connection, error)
}

// Searcher runs FHIR searches against one connection's endpoint.
// *fhirclient.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
}

// SearcherFactory builds a Searcher bound to a connection.
type SearcherFactory func(conn *connection.Connection) Searcher

type Service struct {
	repo        Repository
	patients    PatientDirectory
	connections ConnectionGetter
	search      SearcherFactory
	audit       audit.Sink
	logger      zerolog.Logger
	tr          *translate.Translator
}

func NewService(repo Repository, patients PatientDirectory, connections ConnectionGetter,
	search SearcherFactory, sink audit.Sink, logger zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		patients:    patients,
		connections: connections,
		search:      search,
		audit:       sink,
		logger:      logger,
		tr:          translate.New(),
	}
}

// Resolve returns the active mapping for the pair, or runs a remote
// match. Matching never produces a synced mapping directly: one hit
// creates a pending row with the candidate prefilled, several hits
// create a pending row the admin picks for, zero hits is ErrNoMatch
// with no row written.
func (s *Service) Resolve(ctx context.Context, patientID, connectionID uuid.UUID) (*Resolution, error) {
	existing, err := s.repo.GetActive(ctx, patientID, connectionID)
	if err == nil {
		return &Resolution{Mapping: existing}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	p, err := s.patients.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	conn, err := s.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	var (
		candidates []Candidate
		matchedBy  string
	)
	if p.MRN != "" && conn.IdentifierSystem != "" {
		matchedBy = MatchedByIdentifier
		candidates, err = s.searchByIdentifier(ctx, conn, p)
	} else {
		matchedBy = MatchedByDemographics
		candidates, err = s.searchByDemographics(ctx, conn, p)
	}
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoMatch
	}

	m := &Mapping{
		PatientID:    patientID,
		ConnectionID: connectionID,
		Status:       StatusPending,
		MatchedBy:    matchedBy,
	}
	if len(candidates) == 1 {
		m.ExternalID = candidates[0].ExternalID
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("patient_id", patientID.String()).
		Str("connection_id", connectionID.String()).
		Str("matched_by", matchedBy).
		Int("candidates", len(candidates)).
		Msg("patient mapping candidate created")
	s.record(ctx, audit.ActionMappingCreated, audit.ActorSystem, m, map[string]interface{}{
		"matched_by": matchedBy,
		"candidates": len(candidates),
	})

	return &Resolution{Mapping: m, Candidates: candidates}, nil
}

func (s *Service) searchByIdentifier(ctx context.Context, conn *connection.Connection, p *patient.Patient) ([]Candidate, error) {
	params := url.Values{}
	params.Set("identifier", conn.IdentifierSystem+"|"+p.MRN)

	bundle, err := s.search(conn).Search(ctx, "Patient", params)
	if err != nil {
		return nil, err
	}
	return s.candidates(bundle, nil), nil
}

// searchByDemographics is the fallback when no MRN search is possible.
// The remote side is filtered again locally so server-side fuzzy
// matching cannot widen the candidate set.
func (s *Service) searchByDemographics(ctx context.Context, conn *connection.Connection, p *patient.Patient) ([]Candidate, error) {
	if p.FamilyName == "" || p.GivenName == "" || p.BirthDate == "" {
		return nil, ErrNoMatch
	}

	params := url.Values{}
	params.Set("family", p.FamilyName)
	params.Set("given", p.GivenName)
	params.Set("birthdate", p.BirthDate)

	bundle, err := s.search(conn).Search(ctx, "Patient", params)
	if err != nil {
		return nil, err
	}
	exact := func(rec *translate.PatientRecord) bool {
		return strings.EqualFold(rec.FamilyName, p.FamilyName) &&
			strings.EqualFold(rec.GivenName, p.GivenName) &&
			rec.BirthDate == p.BirthDate
	}
	return s.candidates(bundle, exact), nil
}

// candidates parses bundle entries into match candidates, dropping
// unparseable entries and, when keep is set, entries it rejects.
func (s *Service) candidates(bundle *fhir.Bundle, keep func(*translate.PatientRecord) bool) []Candidate {
	var out []Candidate
	for _, entry := range bundle.Matches() {
		if len(entry.Resource) == 0 {
			continue
		}
		rec, err := s.tr.FromFHIR("Patient", entry.Resource)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping unparseable patient candidate")
			continue
		}
		pr, ok := rec.(*translate.PatientRecord)
		if !ok || pr.ExternalID == "" {
			continue
		}
		if keep != nil && !keep(pr) {
			continue
		}
		out = append(out, Candidate{
			ExternalID: pr.ExternalID,
			FamilyName: pr.FamilyName,
			GivenName:  pr.GivenName,
			BirthDate:  pr.BirthDate,
			MRN:        pr.MRN,
		})
	}
	return out
}

// ConfirmMapping finishes the manual match: pending → synced. A synced
// mapping is never re-pointed here; tombstone and re-resolve instead.
func (s *Service) ConfirmMapping(ctx context.Context, mappingID uuid.UUID, externalID, actor string) (*Mapping, error) {
	m, err := s.repo.GetByID(ctx, mappingID)
	if err != nil {
		return nil, err
	}
	if m.Tombstoned {
		return nil, fmt.Errorf("mapping is tombstoned")
	}
	if m.Status == StatusSynced {
		return nil, fmt.Errorf("mapping already confirmed")
	}
	if m.Status != StatusPending {
		return nil, fmt.Errorf("only pending mappings can be confirmed, status is %s", m.Status)
	}

	if externalID != "" {
		m.ExternalID = externalID
	}
	if m.ExternalID == "" {
		return nil, fmt.Errorf("external_fhir_id is required")
	}

	// One remote patient maps to at most one local patient.
	if other, err := s.repo.GetActiveByExternalID(ctx, m.ConnectionID, m.ExternalID); err == nil && other.ID != m.ID {
		return nil, fmt.Errorf("external patient %s is already mapped", m.ExternalID)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	m.Status = StatusSynced
	if err := s.repo.Update(ctx, m); err != nil {
		return nil, err
	}
	s.record(ctx, audit.ActionMappingConfirmed, actor, m, map[string]interface{}{
		"external_fhir_id": m.ExternalID,
	})
	return m, nil
}

// RejectMapping discards a pending candidate. The row is tombstoned,
// not deleted, so the decision stays auditable.
func (s *Service) RejectMapping(ctx context.Context, mappingID uuid.UUID, actor string) error {
	m, err := s.repo.GetByID(ctx, mappingID)
	if err != nil {
		return err
	}
	if m.Status != StatusPending {
		return fmt.Errorf("only pending mappings can be rejected, status is %s", m.Status)
	}
	m.Tombstoned = true
	if err := s.repo.Update(ctx, m); err != nil {
		return err
	}
	s.record(ctx, audit.ActionMappingRejected, actor, m, nil)
	return nil
}

// CreateFromRemoteInput records an identity the remote side asserted
// during a pull.
type CreateFromRemoteInput struct {
	PatientID    uuid.UUID
	ConnectionID uuid.UUID
	ExternalID   string
	MatchedBy    string
}

// CreateFromRemote writes a mapping discovered during a pull. Exact
// identifier equality on the connection's identifier system is
// deterministic and lands synced; weaker evidence lands pending. An
// existing active mapping for either side is never overwritten.
func (s *Service) CreateFromRemote(ctx context.Context, in CreateFromRemoteInput) (*Mapping, error) {
	if in.ExternalID == "" {
		return nil, fmt.Errorf("external_fhir_id is required")
	}
	if in.MatchedBy != MatchedByIdentifier && in.MatchedBy != MatchedByDemographics {
		return nil, fmt.Errorf("invalid matched_by: %s", in.MatchedBy)
	}

	if existing, err := s.repo.GetActive(ctx, in.PatientID, in.ConnectionID); err == nil {
		if existing.ExternalID == in.ExternalID {
			return existing, nil
		}
		return nil, fmt.Errorf("patient already has an active mapping for this connection")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, err := s.repo.GetActiveByExternalID(ctx, in.ConnectionID, in.ExternalID); err == nil {
		return nil, fmt.Errorf("external patient %s is already mapped", in.ExternalID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	m := &Mapping{
		PatientID:    in.PatientID,
		ConnectionID: in.ConnectionID,
		ExternalID:   in.ExternalID,
		MatchedBy:    in.MatchedBy,
		Status:       StatusPending,
	}
	if in.MatchedBy == MatchedByIdentifier {
		m.Status = StatusSynced
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}
	s.record(ctx, audit.ActionMappingCreated, audit.ActorSystem, m, map[string]interface{}{
		"matched_by": in.MatchedBy,
		"source":     "remote",
	})
	return m, nil
}

// Tombstone retires a mapping regardless of status. History stays.
func (s *Service) Tombstone(ctx context.Context, mappingID uuid.UUID, actor string) error {
	m, err := s.repo.GetByID(ctx, mappingID)
	if err != nil {
		return err
	}
	if m.Tombstoned {
		return nil
	}
	m.Tombstoned = true
	if err := s.repo.Update(ctx, m); err != nil {
		return err
	}
	s.record(ctx, audit.ActionMappingTombstoned, actor, m, nil)
	return nil
}

var validStatuses = map[string]bool{
	StatusPending:  true,
	StatusSynced:   true,
	StatusConflict: true,
	StatusError:    true,
}

// SetStatus moves a mapping between sync states. Used by the
// orchestrator and the conflict resolver; manual transitions go through
// Confirm/Reject.
func (s *Service) SetStatus(ctx context.Context, mappingID uuid.UUID, status string) error {
	if !validStatuses[status] {
		return fmt.Errorf("invalid status: %s", status)
	}
	m, err := s.repo.GetByID(ctx, mappingID)
	if err != nil {
		return err
	}
	if m.Status == status {
		return nil
	}
	m.Status = status
	return s.repo.Update(ctx, m)
}

// MarkPairStatus sets the status of the active mapping for a
// patient+connection pair. No active mapping is not an error; the
// conflict resolver calls this for pairs that may have been tombstoned
// since the conflict was recorded.
func (s *Service) MarkPairStatus(ctx context.Context, patientID, connectionID uuid.UUID, status string) error {
	if !validStatuses[status] {
		return fmt.Errorf("invalid status: %s", status)
	}
	m, err := s.repo.GetActive(ctx, patientID, connectionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Status == status {
		return nil
	}
	m.Status = status
	return s.repo.Update(ctx, m)
}

// TouchSynced records a successful pass over the mapping. A conflict or
// error status set while the pass ran stays put; only the resolver
// clears those.
func (s *Service) TouchSynced(ctx context.Context, mappingID uuid.UUID, at time.Time) error {
	m, err := s.repo.GetByID(ctx, mappingID)
	if err != nil {
		return err
	}
	if m.Status != StatusConflict && m.Status != StatusError {
		m.Status = StatusSynced
	}
	m.LastSyncedAt = &at
	return s.repo.Update(ctx, m)
}

func (s *Service) GetMapping(ctx context.Context, id uuid.UUID) (*Mapping, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]*Mapping, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

func (s *Service) ListForConnection(ctx context.Context, connectionID uuid.UUID, status string, limit, offset int) ([]*Mapping, int, error) {
	return s.repo.ListByConnection(ctx, connectionID, status, limit, offset)
}

// ListSyncable returns the mappings a pass iterates for the connection.
func (s *Service) ListSyncable(ctx context.Context, connectionID uuid.UUID) ([]*Mapping, error) {
	return s.repo.ListSyncable(ctx, connectionID)
}

func (s *Service) record(ctx context.Context, action, actor string, m *Mapping, detail map[string]interface{}) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, audit.MappingDecision(action, actor, m.ConnectionID, m.ID, detail))
}
