package clinical

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/domain/translate"
)

type Service struct {
	repo Repository
	tr   *translate.Translator
}

func NewService(repo Repository, tr *translate.Translator) *Service {
	return &Service{repo: repo, tr: tr}
}

var validOrigins = map[string]bool{
	OriginLocal:  true,
	OriginRemote: true,
}

// CreateRecord stores a new record. The content hash is recomputed from
// the payload so callers never supply a stale marker.
func (s *Service) CreateRecord(ctx context.Context, rec *Record) error {
	if rec.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if !s.tr.Supported(rec.ResourceType) {
		return fmt.Errorf("%w: %s", translate.ErrUnsupportedType, rec.ResourceType)
	}
	if rec.Origin == "" {
		rec.Origin = OriginLocal
	}
	if !validOrigins[rec.Origin] {
		return fmt.Errorf("invalid origin: %s", rec.Origin)
	}
	if err := s.rehash(rec); err != nil {
		return err
	}
	return s.repo.Create(ctx, rec)
}

// UpdateRecord overwrites a record's payload and recomputes its hash.
func (s *Service) UpdateRecord(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if err := s.rehash(rec); err != nil {
		return err
	}
	return s.repo.Update(ctx, rec)
}

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByExternal finds the local twin of a remote resource.
func (s *Service) GetByExternal(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (*Record, error) {
	return s.repo.GetByExternal(ctx, connectionID, resourceType, externalID)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, resourceType string, limit, offset int) ([]*Record, int, error) {
	return s.repo.ListByPatient(ctx, patientID, resourceType, limit, offset)
}

// ListChangedSince returns the patient's records touched after the
// given instant, in update order. Used to assemble push candidates.
func (s *Service) ListChangedSince(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*Record, error) {
	return s.repo.ListChangedSince(ctx, patientID, since)
}

func (s *Service) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

// rehash decodes the payload, validates it translates cleanly, and
// stores the resulting version marker on the row.
func (s *Service) rehash(rec *Record) error {
	decoded, err := rec.Decode()
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	hash, err := s.tr.Fingerprint(decoded)
	if err != nil {
		return fmt.Errorf("fingerprint payload: %w", err)
	}
	rec.ContentHash = hash
	return nil
}
