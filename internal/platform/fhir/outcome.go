package fhir

// OperationOutcome is the error body FHIR servers return alongside
// non-2xx statuses.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// Diagnostics returns the first issue's diagnostics, or "".
func (oo *OperationOutcome) Diagnostics() string {
	if len(oo.Issue) == 0 {
		return ""
	}
	return oo.Issue[0].Diagnostics
}
