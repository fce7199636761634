package translate

import (
	"encoding/json"
	"strings"
	"time"
)

// EncounterRecord is the internal shape of a visit record.
// InternalNote stays internal; it is not part of the FHIR projection.
type EncounterRecord struct {
	RemoteLink
	Status       string     `json:"status"`
	Class        string     `json:"class"`
	TypeText     string     `json:"type_text,omitempty"`
	StartAt      *time.Time `json:"start_at,omitempty"`
	EndAt        *time.Time `json:"end_at,omitempty"`
	ReasonText   string     `json:"reason_text,omitempty"`
	InternalNote string     `json:"internal_note,omitempty"`
}

func (r *EncounterRecord) ResourceType() string { return "Encounter" }

// encClassToFHIR maps internal visit classes to v3-ActCode codes.
// Unmapped values pass through uppercased so vendor-specific classes
// survive a round trip.
var encClassToFHIR = map[string]string{
	"ambulatory": "AMB",
	"inpatient":  "IMP",
	"emergency":  "EMER",
	"virtual":    "VR",
	"home":       "HH",
}

var encClassFromFHIR = map[string]string{
	"AMB":  "ambulatory",
	"IMP":  "inpatient",
	"EMER": "emergency",
	"VR":   "virtual",
	"HH":   "home",
}

func (r *EncounterRecord) toFHIR() (map[string]interface{}, error) {
	if r.Status == "" {
		return nil, newError("Encounter", "missing status", nil)
	}

	classCode, ok := encClassToFHIR[r.Class]
	if !ok {
		classCode = strings.ToUpper(r.Class)
	}

	result := map[string]interface{}{
		"resourceType": "Encounter",
		"status":       r.Status,
		"class": map[string]interface{}{
			"system": "http://terminology.hl7.org/CodeSystem/v3-ActCode",
			"code":   classCode,
		},
	}
	if r.ExternalID != "" {
		result["id"] = r.ExternalID
	}
	if r.PatientRef != "" {
		result["subject"] = patientReference(r.PatientRef)
	}

	if r.TypeText != "" {
		result["type"] = []map[string]interface{}{{"text": r.TypeText}}
	}

	if r.StartAt != nil || r.EndAt != nil {
		period := map[string]interface{}{}
		if r.StartAt != nil {
			period["start"] = formatTime(r.StartAt)
		}
		if r.EndAt != nil {
			period["end"] = formatTime(r.EndAt)
		}
		result["period"] = period
	}

	if r.ReasonText != "" {
		result["reasonCode"] = []map[string]interface{}{{"text": r.ReasonText}}
	}

	return result, nil
}

func encounterFromFHIR(raw map[string]json.RawMessage) (*EncounterRecord, error) {
	rec := &EncounterRecord{}
	rec.ExternalID = rawString(raw, "id")
	rec.PatientRef = rawReferenceID(raw, "subject")
	rec.Status = rawString(raw, "status")
	if rec.Status == "" {
		return nil, newError("Encounter", "missing status", nil)
	}

	if v, ok := raw["class"]; ok {
		var coding struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(v, &coding)
		if mapped, ok := encClassFromFHIR[coding.Code]; ok {
			rec.Class = mapped
		} else {
			rec.Class = strings.ToLower(coding.Code)
		}
	}

	if v, ok := raw["type"]; ok {
		var types []struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(v, &types)
		if len(types) > 0 {
			rec.TypeText = types[0].Text
		}
	}

	if v, ok := raw["period"]; ok {
		var period struct {
			Start string `json:"start"`
			End   string `json:"end"`
		}
		_ = json.Unmarshal(v, &period)
		if period.Start != "" {
			t, err := parseFHIRTime(period.Start)
			if err != nil {
				return nil, newError("Encounter", "period.start", err)
			}
			rec.StartAt = &t
		}
		if period.End != "" {
			t, err := parseFHIRTime(period.End)
			if err != nil {
				return nil, newError("Encounter", "period.end", err)
			}
			rec.EndAt = &t
		}
	}

	if v, ok := raw["reasonCode"]; ok {
		var reasons []struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(v, &reasons)
		if len(reasons) > 0 {
			rec.ReasonText = reasons[0].Text
		}
	}

	return rec, nil
}
