package fhir

// CapabilityStatement is the decoded /metadata response of an external
// server. Only the elements the connection prober inspects are typed;
// everything else is ignored on decode.
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status,omitempty"`
	Date           string            `json:"date,omitempty"`
	Kind           string            `json:"kind,omitempty"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format,omitempty"`
	Software       *CSSoftware       `json:"software,omitempty"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	Rest           []CSRest          `json:"rest,omitempty"`
}

type CSSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode     string       `json:"mode"`
	Resource []CSResource `json:"resource,omitempty"`
}

type CSResource struct {
	Type        string          `json:"type"`
	Interaction []CSInteraction `json:"interaction,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

// SupportsResource reports whether the server declares the resource
// type on any server-mode rest block.
func (cs *CapabilityStatement) SupportsResource(resourceType string) bool {
	for _, rest := range cs.Rest {
		if rest.Mode != "" && rest.Mode != "server" {
			continue
		}
		for _, r := range rest.Resource {
			if r.Type == resourceType {
				return true
			}
		}
	}
	return false
}
