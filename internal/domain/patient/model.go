// Package patient is the tenant's patient directory: the local source
// of demographics, MRNs and care-team notes. Sync mappings and clinical
// records hang off directory entries.
package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/domain/translate"
)

type Patient struct {
	ID            uuid.UUID `json:"id"`
	MRN           string    `json:"mrn,omitempty"`
	FamilyName    string    `json:"family_name"`
	GivenName     string    `json:"given_name,omitempty"`
	BirthDate     string    `json:"birth_date,omitempty"`
	Gender        string    `json:"gender,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Email         string    `json:"email,omitempty"`
	AddressLine   string    `json:"address_line,omitempty"`
	City          string    `json:"city,omitempty"`
	State         string    `json:"state,omitempty"`
	PostalCode    string    `json:"postal_code,omitempty"`
	CareTeamNotes string    `json:"care_team_notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Demographics projects the directory entry into the translator's
// patient shape. identifierSystem labels the MRN for the identifier
// slice of the FHIR projection.
func (p *Patient) Demographics(identifierSystem string) translate.PatientRecord {
	return translate.PatientRecord{
		MRN:           p.MRN,
		MRNSystem:     identifierSystem,
		FamilyName:    p.FamilyName,
		GivenName:     p.GivenName,
		BirthDate:     p.BirthDate,
		Gender:        p.Gender,
		Phone:         p.Phone,
		Email:         p.Email,
		AddressLine:   p.AddressLine,
		City:          p.City,
		State:         p.State,
		PostalCode:    p.PostalCode,
		CareTeamNotes: p.CareTeamNotes,
	}
}

// ApplyDemographics overwrites the synchronized demographic fields
// from a remote patient resource. The MRN and care-team notes are
// local-only and survive.
func (p *Patient) ApplyDemographics(rec *translate.PatientRecord) {
	p.FamilyName = rec.FamilyName
	p.GivenName = rec.GivenName
	p.BirthDate = rec.BirthDate
	p.Gender = rec.Gender
	p.Phone = rec.Phone
	p.Email = rec.Email
	p.AddressLine = rec.AddressLine
	p.City = rec.City
	p.State = rec.State
	p.PostalCode = rec.PostalCode
}

// MatchesDemographics reports whether the remote patient shares this
// entry's official family name and birth date. Used as the fallback
// match when no MRN is available; a demographic match is never trusted
// enough to auto-confirm.
func (p *Patient) MatchesDemographics(remote *translate.PatientRecord) bool {
	if p.FamilyName == "" || p.BirthDate == "" {
		return false
	}
	return strings.EqualFold(p.FamilyName, remote.FamilyName) && p.BirthDate == remote.BirthDate
}
