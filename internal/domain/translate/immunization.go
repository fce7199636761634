package translate

import (
	"encoding/json"
	"time"
)

// ImmunizationRecord is the internal shape of a vaccination entry.
// OutreachNote stays internal; it is not part of the FHIR projection.
type ImmunizationRecord struct {
	RemoteLink
	Status         string     `json:"status"`
	VaccineCode    string     `json:"vaccine_code"`
	VaccineSystem  string     `json:"vaccine_system,omitempty"`
	VaccineDisplay string     `json:"vaccine_display,omitempty"`
	OccurredAt     *time.Time `json:"occurred_at,omitempty"`
	LotNumber      string     `json:"lot_number,omitempty"`
	OutreachNote   string     `json:"outreach_note,omitempty"`
}

func (r *ImmunizationRecord) ResourceType() string { return "Immunization" }

func (r *ImmunizationRecord) toFHIR() (map[string]interface{}, error) {
	if r.Status == "" {
		return nil, newError("Immunization", "missing status", nil)
	}
	if r.VaccineCode == "" {
		return nil, newError("Immunization", "missing vaccineCode", nil)
	}

	result := map[string]interface{}{
		"resourceType": "Immunization",
		"status":       r.Status,
		"vaccineCode":  codeableConcept(r.VaccineSystem, r.VaccineCode, r.VaccineDisplay, r.VaccineDisplay),
	}
	if r.ExternalID != "" {
		result["id"] = r.ExternalID
	}
	if r.PatientRef != "" {
		result["patient"] = patientReference(r.PatientRef)
	}

	if r.OccurredAt != nil {
		result["occurrenceDateTime"] = formatTime(r.OccurredAt)
	}
	if r.LotNumber != "" {
		result["lotNumber"] = r.LotNumber
	}

	return result, nil
}

func immunizationFromFHIR(raw map[string]json.RawMessage) (*ImmunizationRecord, error) {
	rec := &ImmunizationRecord{}
	rec.ExternalID = rawString(raw, "id")
	rec.PatientRef = rawReferenceID(raw, "patient")
	rec.Status = rawString(raw, "status")
	if rec.Status == "" {
		return nil, newError("Immunization", "missing status", nil)
	}

	if v, ok := raw["vaccineCode"]; ok {
		system, code, display, text := firstCoding(v)
		rec.VaccineSystem = system
		rec.VaccineCode = code
		if display != "" {
			rec.VaccineDisplay = display
		} else {
			rec.VaccineDisplay = text
		}
	}
	if rec.VaccineCode == "" {
		return nil, newError("Immunization", "missing vaccineCode", nil)
	}

	occurred, err := rawTime(raw, "Immunization", "occurrenceDateTime")
	if err != nil {
		return nil, err
	}
	rec.OccurredAt = occurred
	rec.LotNumber = rawString(raw, "lotNumber")

	return rec, nil
}
