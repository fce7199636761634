// Package fhir holds the FHIR R4 wire shapes the engine reads off
// external servers: search bundles, capability statements and
// operation outcomes. Resources themselves stay json.RawMessage;
// typed translation is the translate package's job.
package fhir

import (
	"encoding/json"
	"time"
)

// Bundle is a FHIR Bundle as returned by a search or history request.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// NextURL returns the bundle's "next" page link, or "" when the bundle
// is the last page.
func (b *Bundle) NextURL() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Matches returns the entries that are search matches. Servers may
// interleave included resources; only mode "match" (or unmarked)
// entries belong to the requested type.
func (b *Bundle) Matches() []BundleEntry {
	out := make([]BundleEntry, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Search != nil && e.Search.Mode != "" && e.Search.Mode != "match" {
			continue
		}
		out = append(out, e)
	}
	return out
}
