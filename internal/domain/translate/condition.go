package translate

import (
	"encoding/json"
	"time"
)

// ConditionRecord is the internal shape of a problem-list entry.
// FlaggedForReview stays internal; it is not part of the FHIR
// projection.
type ConditionRecord struct {
	RemoteLink
	ClinicalStatus     string     `json:"clinical_status,omitempty"`
	VerificationStatus string     `json:"verification_status,omitempty"`
	Code               string     `json:"code"`
	CodeSystem         string     `json:"code_system,omitempty"`
	CodeDisplay        string     `json:"code_display,omitempty"`
	OnsetAt            *time.Time `json:"onset_at,omitempty"`
	RecordedAt         *time.Time `json:"recorded_at,omitempty"`
	FlaggedForReview   bool       `json:"flagged_for_review,omitempty"`
}

func (r *ConditionRecord) ResourceType() string { return "Condition" }

func (r *ConditionRecord) toFHIR() (map[string]interface{}, error) {
	if r.Code == "" {
		return nil, newError("Condition", "missing code", nil)
	}

	result := map[string]interface{}{
		"resourceType": "Condition",
		"code":         codeableConcept(r.CodeSystem, r.Code, r.CodeDisplay, r.CodeDisplay),
	}
	if r.ExternalID != "" {
		result["id"] = r.ExternalID
	}
	if r.PatientRef != "" {
		result["subject"] = patientReference(r.PatientRef)
	}

	if r.ClinicalStatus != "" {
		result["clinicalStatus"] = codeableConcept(
			"http://terminology.hl7.org/CodeSystem/condition-clinical", r.ClinicalStatus, "", "")
	}
	if r.VerificationStatus != "" {
		result["verificationStatus"] = codeableConcept(
			"http://terminology.hl7.org/CodeSystem/condition-ver-status", r.VerificationStatus, "", "")
	}

	if r.OnsetAt != nil {
		result["onsetDateTime"] = formatTime(r.OnsetAt)
	}
	if r.RecordedAt != nil {
		result["recordedDate"] = formatTime(r.RecordedAt)
	}

	return result, nil
}

func conditionFromFHIR(raw map[string]json.RawMessage) (*ConditionRecord, error) {
	rec := &ConditionRecord{}
	rec.ExternalID = rawString(raw, "id")
	rec.PatientRef = rawReferenceID(raw, "subject")

	if v, ok := raw["code"]; ok {
		system, code, display, text := firstCoding(v)
		rec.CodeSystem = system
		rec.Code = code
		if display != "" {
			rec.CodeDisplay = display
		} else {
			rec.CodeDisplay = text
		}
	}
	if rec.Code == "" {
		return nil, newError("Condition", "missing code", nil)
	}

	if v, ok := raw["clinicalStatus"]; ok {
		_, code, _, _ := firstCoding(v)
		rec.ClinicalStatus = code
	}
	if v, ok := raw["verificationStatus"]; ok {
		_, code, _, _ := firstCoding(v)
		rec.VerificationStatus = code
	}

	onset, err := rawTime(raw, "Condition", "onsetDateTime")
	if err != nil {
		return nil, err
	}
	rec.OnsetAt = onset

	recorded, err := rawTime(raw, "Condition", "recordedDate")
	if err != nil {
		return nil, err
	}
	rec.RecordedAt = recorded

	return rec, nil
}
