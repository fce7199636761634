package patient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/domain/translate"
)

// -- Mock Repository --

type mockRepo struct {
	patients map[uuid.UUID]*Patient
}

func newMockRepo() *mockRepo {
	return &mockRepo{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockRepo) Create(_ context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()
	m.patients[p.ID] = p
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockRepo) GetByMRN(_ context.Context, mrn string) (*Patient, error) {
	for _, p := range m.patients {
		if p.MRN == mrn {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) Update(_ context.Context, p *Patient) error {
	if _, ok := m.patients[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now()
	m.patients[p.ID] = p
	return nil
}

func (m *mockRepo) List(_ context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	var result []*Patient
	for _, p := range m.patients {
		if q == "" || p.MRN == q || p.FamilyName == q {
			result = append(result, p)
		}
	}
	return result, len(result), nil
}

// -- Tests --

func validPatient() *Patient {
	return &Patient{
		MRN:        "MRN-1001",
		FamilyName: "Okafor",
		GivenName:  "Adaeze",
		BirthDate:  "1987-04-12",
		Gender:     "female",
		Phone:      "+1-555-0100",
	}
}

func TestCreatePatient(t *testing.T) {
	svc := NewService(newMockRepo())

	p := validPatient()
	if err := svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
}

func TestCreatePatient_Validation(t *testing.T) {
	svc := NewService(newMockRepo())

	cases := []struct {
		name   string
		mutate func(*Patient)
	}{
		{"missing family name", func(p *Patient) { p.FamilyName = "" }},
		{"bad gender", func(p *Patient) { p.Gender = "F" }},
		{"bad birth date", func(p *Patient) { p.BirthDate = "04/12/1987" }},
	}
	for _, tc := range cases {
		p := validPatient()
		tc.mutate(p)
		if err := svc.CreatePatient(context.Background(), p); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestGetByMRN(t *testing.T) {
	svc := NewService(newMockRepo())

	p := validPatient()
	svc.CreatePatient(context.Background(), p)

	got, err := svc.GetByMRN(context.Background(), "MRN-1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("wrong patient: %v", got.ID)
	}

	if _, err := svc.GetByMRN(context.Background(), "MRN-9999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePatient(t *testing.T) {
	svc := NewService(newMockRepo())

	p := validPatient()
	svc.CreatePatient(context.Background(), p)

	upd := validPatient()
	upd.CareTeamNotes = "prefers morning appointments"
	got, err := svc.UpdatePatient(context.Background(), p.ID, upd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CareTeamNotes != "prefers morning appointments" {
		t.Errorf("care team notes not updated: %q", got.CareTeamNotes)
	}
	if got.ID != p.ID {
		t.Error("update must keep the patient id")
	}
}

func TestDemographicsProjection(t *testing.T) {
	p := validPatient()
	rec := p.Demographics("http://hospital.example.org/mrn")

	if rec.MRN != "MRN-1001" || rec.MRNSystem != "http://hospital.example.org/mrn" {
		t.Errorf("unexpected identifier: %s %s", rec.MRNSystem, rec.MRN)
	}
	if rec.FamilyName != "Okafor" || rec.BirthDate != "1987-04-12" {
		t.Errorf("demographics not carried over: %+v", rec)
	}
}

func TestMatchesDemographics(t *testing.T) {
	p := validPatient()

	match := &translate.PatientRecord{FamilyName: "OKAFOR", BirthDate: "1987-04-12"}
	if !p.MatchesDemographics(match) {
		t.Error("expected case-insensitive demographic match")
	}

	wrongDate := &translate.PatientRecord{FamilyName: "Okafor", BirthDate: "1987-04-13"}
	if p.MatchesDemographics(wrongDate) {
		t.Error("different birth date must not match")
	}

	empty := &Patient{GivenName: "Solo"}
	if empty.MatchesDemographics(match) {
		t.Error("patient without family name and birth date never matches")
	}
}
