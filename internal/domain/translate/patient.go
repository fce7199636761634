package translate

import "encoding/json"

// PatientRecord is the internal shape of a patient demographic record.
// CareTeamNotes stays internal; it is not part of the FHIR projection.
type PatientRecord struct {
	RemoteLink
	MRN           string `json:"mrn,omitempty"`
	MRNSystem     string `json:"mrn_system,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	BirthDate     string `json:"birth_date,omitempty"`
	Gender        string `json:"gender,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Email         string `json:"email,omitempty"`
	AddressLine   string `json:"address_line,omitempty"`
	City          string `json:"city,omitempty"`
	State         string `json:"state,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	CareTeamNotes string `json:"care_team_notes,omitempty"`
}

func (r *PatientRecord) ResourceType() string { return "Patient" }

// patientCoreElements are the Patient elements the demographic
// projection renders. Writers replace exactly these on the remote
// resource and leave remote-only elements (identifiers, extensions)
// untouched.
var patientCoreElements = []string{"name", "birthDate", "gender", "telecom", "address"}

// OverlayPatientCore returns a copy of a remote Patient resource with
// its demographic core replaced by the given projection. Core elements
// absent from the projection are removed so cleared fields converge
// instead of resurfacing on the next compare.
func OverlayPatientCore(remote, core map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(remote))
	for k, v := range remote {
		out[k] = v
	}
	for _, k := range patientCoreElements {
		delete(out, k)
	}
	for k, v := range core {
		if k == "resourceType" || k == "id" || k == "identifier" {
			continue
		}
		out[k] = v
	}
	return out
}

func (r *PatientRecord) toFHIR() (map[string]interface{}, error) {
	result := map[string]interface{}{
		"resourceType": "Patient",
	}
	if r.ExternalID != "" {
		result["id"] = r.ExternalID
	}

	if r.MRN != "" {
		result["identifier"] = []map[string]interface{}{
			{
				"system": r.MRNSystem,
				"value":  r.MRN,
				"type": map[string]interface{}{
					"coding": []map[string]interface{}{
						{"system": "http://terminology.hl7.org/CodeSystem/v2-0203", "code": "MR"},
					},
				},
			},
		}
	}

	if r.FamilyName != "" || r.GivenName != "" {
		name := map[string]interface{}{"use": "official"}
		if r.FamilyName != "" {
			name["family"] = r.FamilyName
		}
		if r.GivenName != "" {
			name["given"] = []string{r.GivenName}
		}
		result["name"] = []map[string]interface{}{name}
	}

	if r.BirthDate != "" {
		result["birthDate"] = r.BirthDate
	}
	if r.Gender != "" {
		result["gender"] = r.Gender
	}

	var telecom []map[string]interface{}
	if r.Phone != "" {
		telecom = append(telecom, map[string]interface{}{"system": "phone", "value": r.Phone})
	}
	if r.Email != "" {
		telecom = append(telecom, map[string]interface{}{"system": "email", "value": r.Email})
	}
	if len(telecom) > 0 {
		result["telecom"] = telecom
	}

	if r.AddressLine != "" || r.City != "" || r.State != "" || r.PostalCode != "" {
		addr := map[string]interface{}{}
		if r.AddressLine != "" {
			addr["line"] = []string{r.AddressLine}
		}
		if r.City != "" {
			addr["city"] = r.City
		}
		if r.State != "" {
			addr["state"] = r.State
		}
		if r.PostalCode != "" {
			addr["postalCode"] = r.PostalCode
		}
		result["address"] = []map[string]interface{}{addr}
	}

	return result, nil
}

func patientFromFHIR(raw map[string]json.RawMessage) (*PatientRecord, error) {
	rec := &PatientRecord{}
	rec.ExternalID = rawString(raw, "id")
	rec.BirthDate = rawString(raw, "birthDate")
	rec.Gender = rawString(raw, "gender")

	if v, ok := raw["identifier"]; ok {
		var idents []struct {
			System string `json:"system"`
			Value  string `json:"value"`
			Type   struct {
				Coding []struct {
					Code string `json:"code"`
				} `json:"coding"`
			} `json:"type"`
		}
		_ = json.Unmarshal(v, &idents)
		for _, ident := range idents {
			if ident.Value == "" {
				continue
			}
			// Prefer an identifier marked as a medical record number.
			isMRN := false
			for _, c := range ident.Type.Coding {
				if c.Code == "MR" {
					isMRN = true
				}
			}
			if isMRN || rec.MRN == "" {
				rec.MRN = ident.Value
				rec.MRNSystem = ident.System
			}
			if isMRN {
				break
			}
		}
	}

	if v, ok := raw["name"]; ok {
		var names []struct {
			Use    string   `json:"use"`
			Family string   `json:"family"`
			Given  []string `json:"given"`
		}
		_ = json.Unmarshal(v, &names)
		for i, n := range names {
			if i == 0 || n.Use == "official" {
				rec.FamilyName = n.Family
				if len(n.Given) > 0 {
					rec.GivenName = n.Given[0]
				}
			}
			if n.Use == "official" {
				break
			}
		}
	}

	if v, ok := raw["telecom"]; ok {
		var points []struct {
			System string `json:"system"`
			Value  string `json:"value"`
		}
		_ = json.Unmarshal(v, &points)
		for _, p := range points {
			switch p.System {
			case "phone":
				if rec.Phone == "" {
					rec.Phone = p.Value
				}
			case "email":
				if rec.Email == "" {
					rec.Email = p.Value
				}
			}
		}
	}

	if v, ok := raw["address"]; ok {
		var addrs []struct {
			Line       []string `json:"line"`
			City       string   `json:"city"`
			State      string   `json:"state"`
			PostalCode string   `json:"postalCode"`
		}
		_ = json.Unmarshal(v, &addrs)
		if len(addrs) > 0 {
			if len(addrs[0].Line) > 0 {
				rec.AddressLine = addrs[0].Line[0]
			}
			rec.City = addrs[0].City
			rec.State = addrs[0].State
			rec.PostalCode = addrs[0].PostalCode
		}
	}

	return rec, nil
}
