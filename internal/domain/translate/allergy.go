package translate

import (
	"encoding/json"
	"time"
)

// AllergyRecord is the internal shape of an allergy or intolerance
// entry. TriageNote stays internal; it is not part of the FHIR
// projection.
type AllergyRecord struct {
	RemoteLink
	ClinicalStatus string     `json:"clinical_status,omitempty"`
	Category       string     `json:"category,omitempty"`
	Criticality    string     `json:"criticality,omitempty"`
	Code           string     `json:"code"`
	CodeSystem     string     `json:"code_system,omitempty"`
	CodeDisplay    string     `json:"code_display,omitempty"`
	ReactionText   string     `json:"reaction_text,omitempty"`
	RecordedAt     *time.Time `json:"recorded_at,omitempty"`
	TriageNote     string     `json:"triage_note,omitempty"`
}

func (r *AllergyRecord) ResourceType() string { return "AllergyIntolerance" }

func (r *AllergyRecord) toFHIR() (map[string]interface{}, error) {
	if r.Code == "" {
		return nil, newError("AllergyIntolerance", "missing code", nil)
	}

	result := map[string]interface{}{
		"resourceType": "AllergyIntolerance",
		"code":         codeableConcept(r.CodeSystem, r.Code, r.CodeDisplay, r.CodeDisplay),
	}
	if r.ExternalID != "" {
		result["id"] = r.ExternalID
	}
	if r.PatientRef != "" {
		result["patient"] = patientReference(r.PatientRef)
	}

	if r.ClinicalStatus != "" {
		result["clinicalStatus"] = codeableConcept(
			"http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical", r.ClinicalStatus, "", "")
	}
	if r.Category != "" {
		result["category"] = []string{r.Category}
	}
	if r.Criticality != "" {
		result["criticality"] = r.Criticality
	}

	if r.ReactionText != "" {
		result["reaction"] = []map[string]interface{}{
			{"description": r.ReactionText},
		}
	}

	if r.RecordedAt != nil {
		result["recordedDate"] = formatTime(r.RecordedAt)
	}

	return result, nil
}

func allergyFromFHIR(raw map[string]json.RawMessage) (*AllergyRecord, error) {
	rec := &AllergyRecord{}
	rec.ExternalID = rawString(raw, "id")
	rec.PatientRef = rawReferenceID(raw, "patient")

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
		return nil, newError("AllergyIntolerance", "missing code", nil)
	}

	if v, ok := raw["clinicalStatus"]; ok {
		_, code, _, _ := firstCoding(v)
		rec.ClinicalStatus = code
	}

	if v, ok := raw["category"]; ok {
		var cats []string
		_ = json.Unmarshal(v, &cats)
		if len(cats) > 0 {
			rec.Category = cats[0]
		}
	}
	rec.Criticality = rawString(raw, "criticality")

	if v, ok := raw["reaction"]; ok {
		var reactions []struct {
			Description string `json:"description"`
		}
		_ = json.Unmarshal(v, &reactions)
		if len(reactions) > 0 {
			rec.ReactionText = reactions[0].Description
		}
	}

	recorded, err := rawTime(raw, "AllergyIntolerance", "recordedDate")
	if err != nil {
		return nil, err
	}
	rec.RecordedAt = recorded

	return rec, nil
}
