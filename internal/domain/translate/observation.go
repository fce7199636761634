package translate

import (
	"encoding/json"
	"time"
)

// ObservationRecord is the internal shape of a clinical observation.
// ChartTag stays internal; it is not part of the FHIR projection.
type ObservationRecord struct {
	RemoteLink
	Status        string     `json:"status"`
	Category      string     `json:"category,omitempty"`
	Code          string     `json:"code"`
	CodeSystem    string     `json:"code_system,omitempty"`
	CodeDisplay   string     `json:"code_display,omitempty"`
	EffectiveAt   *time.Time `json:"effective_at,omitempty"`
	ValueQuantity *float64   `json:"value_quantity,omitempty"`
	ValueUnit     string     `json:"value_unit,omitempty"`
	ValueString   string     `json:"value_string,omitempty"`
	ChartTag      string     `json:"chart_tag,omitempty"`
}

func (r *ObservationRecord) ResourceType() string { return "Observation" }

func (r *ObservationRecord) toFHIR() (map[string]interface{}, error) {
	if r.Status == "" {
		return nil, newError("Observation", "missing status", nil)
	}
	if r.Code == "" {
		return nil, newError("Observation", "missing code", nil)
	}

	result := map[string]interface{}{
		"resourceType": "Observation",
		"status":       r.Status,
		"code":         codeableConcept(r.CodeSystem, r.Code, r.CodeDisplay, r.CodeDisplay),
	}
	if r.ExternalID != "" {
		result["id"] = r.ExternalID
	}
	if r.PatientRef != "" {
		result["subject"] = patientReference(r.PatientRef)
	}

	if r.Category != "" {
		result["category"] = []map[string]interface{}{
			codeableConcept("http://terminology.hl7.org/CodeSystem/observation-category", r.Category, "", ""),
		}
	}

	if r.EffectiveAt != nil {
		result["effectiveDateTime"] = formatTime(r.EffectiveAt)
	}

	if r.ValueQuantity != nil {
		q := map[string]interface{}{"value": *r.ValueQuantity}
		if r.ValueUnit != "" {
			q["unit"] = r.ValueUnit
		}
		result["valueQuantity"] = q
	} else if r.ValueString != "" {
		result["valueString"] = r.ValueString
	}

	return result, nil
}

func observationFromFHIR(raw map[string]json.RawMessage) (*ObservationRecord, error) {
	rec := &ObservationRecord{}
	rec.ExternalID = rawString(raw, "id")
	rec.PatientRef = rawReferenceID(raw, "subject")
	rec.Status = rawString(raw, "status")

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
		return nil, newError("Observation", "missing code", nil)
	}

	if v, ok := raw["category"]; ok {
		var cats []json.RawMessage
		_ = json.Unmarshal(v, &cats)
		if len(cats) > 0 {
			_, code, _, _ := firstCoding(cats[0])
			rec.Category = code
		}
	}

	effective, err := rawTime(raw, "Observation", "effectiveDateTime")
	if err != nil {
		return nil, err
	}
	rec.EffectiveAt = effective

	if v, ok := raw["valueQuantity"]; ok {
		var q struct {
			Value *float64 `json:"value"`
			Unit  string   `json:"unit"`
		}
		if err := json.Unmarshal(v, &q); err != nil {
			return nil, newError("Observation", "valueQuantity", err)
		}
		rec.ValueQuantity = q.Value
		rec.ValueUnit = q.Unit
	}
	rec.ValueString = rawString(raw, "valueString")

	return rec, nil
}
