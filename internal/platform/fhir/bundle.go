package fhir

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/ehr/checkin-billing/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
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
	Mode string `json:"mode,omitempty"`
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL  string
	QueryStr string
	Count    int
	Offset   int
	Total    int
}

// NewSearchBundle creates a searchset Bundle with self/next/previous links.
// Entries that fail to encode are dropped.
func NewSearchBundle(resources []interface{}, params SearchBundleParams) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			continue
		}
		entries = append(entries, BundleEntry{
			FullURL:  fullURL(raw),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}

	total := params.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         paginationLinks(params),
		Entry:        entries,
	}
}

// DecodeEntries unmarshals every entry resource of b into a slice of T.
func DecodeEntries[T any](b *Bundle) ([]T, error) {
	out := make([]T, 0, len(b.Entry))
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(e.Resource, &v); err != nil {
			return nil, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func fullURL(raw []byte) string {
	var head Resource
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	if head.ResourceType == "" || head.ID == "" {
		return ""
	}
	return FormatReference(head.ResourceType, head.ID)
}

func paginationLinks(p SearchBundleParams) []BundleLink {
	link := func(offset int) string {
		q := ""
		if p.QueryStr != "" {
			q = p.QueryStr + "&"
		}
		return fmt.Sprintf("%s?%s_count=%d&_offset=%d", p.BaseURL, q, p.Count, offset)
	}

	pg := pagination.Params{Limit: p.Count, Offset: p.Offset}
	links := []BundleLink{{Relation: "self", URL: link(p.Offset)}}
	if p.Count > 0 && pg.HasNext(p.Total) {
		links = append(links, BundleLink{Relation: "next", URL: link(pg.NextOffset())})
	}
	if pg.HasPrevious() {
		links = append(links, BundleLink{Relation: "previous", URL: link(pg.PreviousOffset())})
	}
	return links
}
