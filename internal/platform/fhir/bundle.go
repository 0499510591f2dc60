package fhir

import "encoding/json"

// Bundle is the searchset envelope the search endpoint returns.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
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
	Mode string `json:"mode,omitempty"`
}

// NewSearchBundle wraps the matched resources in a searchset. Total is a
// pointer so an empty result still serializes "total": 0. The self link
// echoes the search request URL; base prefixes each entry's fullUrl.
func NewSearchBundle(resources []interface{}, total int, selfURL, base string) *Bundle {
	b := &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Link:         []BundleLink{{Relation: "self", URL: selfURL}},
		Entry:        make([]BundleEntry, 0, len(resources)),
	}
	for _, r := range resources {
		b.Entry = append(b.Entry, searchEntry(r, base))
	}
	return b
}

// searchEntry serializes one match. The fullUrl is derived from the encoded
// resource itself, so it always names what the entry carries.
func searchEntry(resource interface{}, base string) BundleEntry {
	raw, err := json.Marshal(resource)
	if err != nil {
		raw = nil
	}
	entry := BundleEntry{
		Resource: raw,
		Search:   &BundleSearch{Mode: "match"},
	}
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if json.Unmarshal(raw, &head) == nil && head.ResourceType != "" && head.ID != "" {
		entry.FullURL = FormatReference(head.ResourceType, head.ID)
		if base != "" {
			entry.FullURL = base + "/" + entry.FullURL
		}
	}
	return entry
}

// FormatReference renders a local "Type/id" reference.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
