package patient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// FHIR administrative-gender codes.
var validGenders = map[string]bool{
	"male":    true,
	"female":  true,
	"other":   true,
	"unknown": true,
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if err := validate(p); err != nil {
		return err
	}
	return s.repo.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	if mrn == "" {
		return nil, fmt.Errorf("mrn is required")
	}
	return s.repo.GetByMRN(ctx, mrn)
}

// ListPatients searches by exact MRN or family-name substring when q is
// set.
func (s *Service) ListPatients(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, q, limit, offset)
}

func (s *Service) UpdatePatient(ctx context.Context, id uuid.UUID, upd *Patient) (*Patient, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	upd.ID = existing.ID
	upd.CreatedAt = existing.CreatedAt
	if err := validate(upd); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, upd); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func validate(p *Patient) error {
	if p.FamilyName == "" {
		return fmt.Errorf("family_name is required")
	}
	if p.Gender != "" && !validGenders[p.Gender] {
		return fmt.Errorf("invalid gender: %s", p.Gender)
	}
	if p.BirthDate != "" {
		if _, err := time.Parse("2006-01-02", p.BirthDate); err != nil {
			return fmt.Errorf("birth_date must be YYYY-MM-DD")
		}
	}
	return nil
}
