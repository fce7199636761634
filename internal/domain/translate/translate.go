// Package translate converts between internal clinical record shapes
// and FHIR R4 resources. Translation is pure and bidirectional: no I/O,
// no persistence, and FromFHIR(ToFHIR(r)) preserves every field that
// participates in synchronization. Fields that exist only in the
// internal chart (care-team notes, chart tags, review flags) are
// excluded from the FHIR form and from version fingerprints.
package translate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedType is returned for resource types the translator has
// no mapping for.
var ErrUnsupportedType = errors.New("translate: unsupported resource type")

// Error describes a failed translation of one resource. It carries the
// resource type and enough detail to record the failure in a sync log
// without aborting the pass.
type Error struct {
	ResourceType string
	Reason       string
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("translate %s: %s: %v", e.ResourceType, e.Reason, e.Err)
	}
	return fmt.Sprintf("translate %s: %s", e.ResourceType, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(resourceType, reason string, err error) *Error {
	return &Error{ResourceType: resourceType, Reason: reason, Err: err}
}

// Record is the internal shape of one synchronized clinical resource.
type Record interface {
	ResourceType() string
	GetExternalID() string
	SetExternalID(id string)
	GetPatientRef() string
	SetPatientRef(ref string)
}

// RemoteLink holds the identifiers that tie an internal record to its
// remote FHIR counterpart: the remote resource id and the remote
// patient id referenced as the subject. Embedded by every record type.
type RemoteLink struct {
	ExternalID string `json:"external_id,omitempty"`
	PatientRef string `json:"patient_ref,omitempty"`
}

func (l *RemoteLink) GetExternalID() string    { return l.ExternalID }
func (l *RemoteLink) SetExternalID(id string)  { l.ExternalID = id }
func (l *RemoteLink) GetPatientRef() string    { return l.PatientRef }
func (l *RemoteLink) SetPatientRef(ref string) { l.PatientRef = ref }

// Translator converts records to and from FHIR R4 JSON.
type Translator struct{}

func New() *Translator { return &Translator{} }

// supportedTypes lists the resource types the engine synchronizes, in
// the order pulls process them (Patient first so subject references
// resolve).
var supportedTypes = []string{
	"Patient",
	"Encounter",
	"Observation",
	"Condition",
	"AllergyIntolerance",
	"Immunization",
}

// Supported reports whether the translator has a mapping for the type.
func (t *Translator) Supported(resourceType string) bool {
	for _, s := range supportedTypes {
		if s == resourceType {
			return true
		}
	}
	return false
}

// SupportedTypes returns the synchronizable resource types.
func (t *Translator) SupportedTypes() []string {
	out := make([]string, len(supportedTypes))
	copy(out, supportedTypes)
	return out
}

// ToFHIR renders a record as a FHIR resource. Local-only fields are
// omitted. The result never contains a meta element; version markers
// are the sync layer's concern.
func (t *Translator) ToFHIR(rec Record) (map[string]interface{}, error) {
	switch r := rec.(type) {
	case *PatientRecord:
		return r.toFHIR()
	case *EncounterRecord:
		return r.toFHIR()
	case *ObservationRecord:
		return r.toFHIR()
	case *ConditionRecord:
		return r.toFHIR()
	case *AllergyRecord:
		return r.toFHIR()
	case *ImmunizationRecord:
		return r.toFHIR()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, rec)
	}
}

// EmptyRecord returns a zero record of the given type, ready to receive
// an unmarshaled internal payload.
func EmptyRecord(resourceType string) (Record, error) {
	switch resourceType {
	case "Patient":
		return &PatientRecord{}, nil
	case "Encounter":
		return &EncounterRecord{}, nil
	case "Observation":
		return &ObservationRecord{}, nil
	case "Condition":
		return &ConditionRecord{}, nil
	case "AllergyIntolerance":
		return &AllergyRecord{}, nil
	case "Immunization":
		return &ImmunizationRecord{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, resourceType)
}

// Fingerprint renders the record to FHIR and returns its version marker.
func (t *Translator) Fingerprint(rec Record) (string, error) {
	resource, err := t.ToFHIR(rec)
	if err != nil {
		return "", err
	}
	return Fingerprint(resource)
}

// FromFHIR parses a FHIR resource into its internal record shape.
// Malformed payloads return a *Error, never a panic.
func (t *Translator) FromFHIR(resourceType string, data []byte) (Record, error) {
	if !t.Supported(resourceType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, resourceType)
	}

	raw, err := parseResource(resourceType, data)
	if err != nil {
		return nil, err
	}

	switch resourceType {
	case "Patient":
		return patientFromFHIR(raw)
	case "Encounter":
		return encounterFromFHIR(raw)
	case "Observation":
		return observationFromFHIR(raw)
	case "Condition":
		return conditionFromFHIR(raw)
	case "AllergyIntolerance":
		return allergyFromFHIR(raw)
	case "Immunization":
		return immunizationFromFHIR(raw)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, resourceType)
}

// Fingerprint computes the version marker for a translated resource:
// the SHA-256 of its canonical JSON form. The resource is round-tripped
// through encoding/json so map keys sort deterministically regardless
// of whether values are structs or maps, and any meta or text element
// is dropped first. Identical synchronized content yields an identical
// marker on both sides of a connection.
func Fingerprint(resource map[string]interface{}) (string, error) {
	data, err := json.Marshal(resource)
	if err != nil {
		return "", fmt.Errorf("translate: fingerprint marshal: %w", err)
	}

	var v map[string]interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("translate: fingerprint normalize: %w", err)
	}
	delete(v, "meta")
	delete(v, "text")

	canon, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("translate: fingerprint canonicalize: %w", err)
	}

	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// parseResource unmarshals the payload and verifies its resourceType.
func parseResource(resourceType string, data []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, newError(resourceType, "invalid JSON", err)
	}

	var rt string
	if v, ok := raw["resourceType"]; ok {
		_ = json.Unmarshal(v, &rt)
	}
	if rt != resourceType {
		return nil, newError(resourceType, fmt.Sprintf("resourceType is %q", rt), nil)
	}
	return raw, nil
}

// decoding helpers shared by the per-type parsers

func rawString(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(v, &s)
	return s
}

func rawReferenceID(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var ref struct {
		Reference string `json:"reference"`
	}
	_ = json.Unmarshal(v, &ref)
	_, id := splitReference(ref.Reference)
	return id
}

// splitReference handles both relative ("Patient/123") and absolute
// ("https://host/fhir/Patient/123") reference forms.
func splitReference(ref string) (resourceType, id string) {
	parts := strings.Split(strings.Trim(ref, "/"), "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

// firstCoding extracts the first coding and concept text out of a
// CodeableConcept element.
func firstCoding(raw json.RawMessage) (system, code, display, text string) {
	var cc struct {
		Coding []struct {
			System  string `json:"system"`
			Code    string `json:"code"`
			Display string `json:"display"`
		} `json:"coding"`
		Text string `json:"text"`
	}
	_ = json.Unmarshal(raw, &cc)
	if len(cc.Coding) > 0 {
		system, code, display = cc.Coding[0].System, cc.Coding[0].Code, cc.Coding[0].Display
	}
	return system, code, display, cc.Text
}

func codeableConcept(system, code, display, text string) map[string]interface{} {
	coding := map[string]interface{}{}
	if system != "" {
		coding["system"] = system
	}
	if code != "" {
		coding["code"] = code
	}
	if display != "" {
		coding["display"] = display
	}
	cc := map[string]interface{}{
		"coding": []map[string]interface{}{coding},
	}
	if text != "" {
		cc["text"] = text
	}
	return cc
}

func patientReference(externalPatientID string) map[string]string {
	return map[string]string{"reference": "Patient/" + externalPatientID}
}

// fhirTimeFormats covers full dateTime plus the partial date forms FHIR
// permits. Partial dates normalize to midnight UTC.
var fhirTimeFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseFHIRTime(s string) (time.Time, error) {
	for _, layout := range fhirTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable dateTime %q", s)
}

func rawTime(raw map[string]json.RawMessage, resourceType, key string) (*time.Time, error) {
	s := rawString(raw, key)
	if s == "" {
		return nil, nil
	}
	t, err := parseFHIRTime(s)
	if err != nil {
		return nil, newError(resourceType, key, err)
	}
	return &t, nil
}

func formatTime(t *time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
