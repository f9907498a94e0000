package fhir

import (
	"fmt"
	"net/url"
	"time"
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
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Search   *BundleSearch          `json:"search,omitempty"`
	Request  *BundleRequest         `json:"request,omitempty"`
	Response *BundleResponse        `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string            `json:"status"`
	Location     string            `json:"location,omitempty"`
	Etag         string            `json:"etag,omitempty"`
	LastModified *time.Time        `json:"lastModified,omitempty"`
	Outcome      *OperationOutcome `json:"outcome,omitempty"`
}

// SearchLinkParams holds what the bundle assembler needs to build self/next/
// previous links: the request base, the continuation token, and paging state.
type SearchLinkParams struct {
	BaseURL   string // e.g. https://host/fhir/demo/Patient
	PageToken string // opaque continuation token; empty on an unpaginated response
	Offset    int
	Count     int
	TotalKeys int // number of keys behind the token
}

// searchEntry pairs a materialized resource with its search mode.
type searchEntry struct {
	doc  map[string]interface{}
	mode string // match or include
}

// newSearchBundle assembles a searchset Bundle. Entries carry
// fullUrl = {base}/{Type}/{id} and search.mode; total is set only when the
// caller computed one.
func newSearchBundle(entries []searchEntry, total *int, links []BundleLink) *Bundle {
	now := time.Now().UTC()
	out := make([]BundleEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, BundleEntry{
			FullURL:  ResourceKey(ResourceTypeOf(e.doc), ResourceIDOf(e.doc)),
			Resource: e.doc,
			Search:   &BundleSearch{Mode: e.mode},
		})
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        total,
		Timestamp:    &now,
		Link:         links,
		Entry:        out,
	}
}

// searchLinks builds self plus, when more keys remain behind the token, next
// and previous links. Offset and count travel in the URL; the stored state
// never changes between pages.
func searchLinks(p SearchLinkParams) []BundleLink {
	links := []BundleLink{{Relation: "self", URL: pageURL(p, p.Offset)}}
	if p.PageToken == "" {
		return links
	}
	if next := p.Offset + p.Count; next < p.TotalKeys {
		links = append(links, BundleLink{Relation: "next", URL: pageURL(p, next)})
	}
	if p.Offset > 0 {
		prev := p.Offset - p.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: pageURL(p, prev)})
	}
	return links
}

func pageURL(p SearchLinkParams, offset int) string {
	q := url.Values{}
	if p.PageToken != "" {
		q.Set("_page", p.PageToken)
	}
	q.Set("_count", fmt.Sprintf("%d", p.Count))
	q.Set("_offset", fmt.Sprintf("%d", offset))
	return p.BaseURL + "?" + q.Encode()
}

// NewHistoryBundle builds a history Bundle from version documents ordered
// newest first. Per-entry request/response reflect the write that produced
// each version.
func NewHistoryBundle(resourceType, id string, versions []map[string]interface{}, baseURL string) *Bundle {
	now := time.Now().UTC()
	total := len(versions)
	entries := make([]BundleEntry, 0, total)

	for _, v := range versions {
		vid := VersionOf(v)
		method, status := "PUT", "200 OK"
		switch {
		case IsTombstone(v):
			method, status = "DELETE", "204 No Content"
		case vid == 1:
			method, status = "POST", "201 Created"
		}

		entry := BundleEntry{
			FullURL: fmt.Sprintf("%s/%s/%s/_history/%d", baseURL, resourceType, id, vid),
			Request: &BundleRequest{
				Method: method,
				URL:    ResourceKey(resourceType, id),
			},
			Response: &BundleResponse{
				Status: status,
				Etag:   FormatETag(vid),
			},
		}
		if !IsTombstone(v) {
			entry.Resource = v
		}
		entries = append(entries, entry)
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}
