package fhir

import (
	"strings"
	"testing"
	"time"
)

func TestSearchLinksFirstPage(t *testing.T) {
	links := searchLinks(SearchLinkParams{
		BaseURL:   "http://host/fhir/demo/Patient",
		PageToken: "tok-1",
		Offset:    0,
		Count:     10,
		TotalKeys: 25,
	})

	byRel := map[string]string{}
	for _, l := range links {
		byRel[l.Relation] = l.URL
	}
	if _, ok := byRel["self"]; !ok {
		t.Fatal("self link missing")
	}
	next, ok := byRel["next"]
	if !ok {
		t.Fatal("next link missing with keys remaining")
	}
	if !strings.Contains(next, "_page=tok-1") || !strings.Contains(next, "_offset=10") || !strings.Contains(next, "_count=10") {
		t.Errorf("next link malformed: %s", next)
	}
	if _, ok := byRel["previous"]; ok {
		t.Error("first page must not carry a previous link")
	}
}

func TestSearchLinksMiddlePage(t *testing.T) {
	links := searchLinks(SearchLinkParams{
		BaseURL:   "http://host/fhir/demo/Patient",
		PageToken: "tok-1",
		Offset:    10,
		Count:     10,
		TotalKeys: 25,
	})

	byRel := map[string]string{}
	for _, l := range links {
		byRel[l.Relation] = l.URL
	}
	if !strings.Contains(byRel["next"], "_offset=20") {
		t.Errorf("next offset wrong: %s", byRel["next"])
	}
	if !strings.Contains(byRel["previous"], "_offset=0") {
		t.Errorf("previous offset wrong: %s", byRel["previous"])
	}
}

func TestSearchLinksLastPage(t *testing.T) {
	links := searchLinks(SearchLinkParams{
		BaseURL:   "http://host/fhir/demo/Patient",
		PageToken: "tok-1",
		Offset:    20,
		Count:     10,
		TotalKeys: 25,
	})
	for _, l := range links {
		if l.Relation == "next" {
			t.Error("last page must not carry a next link")
		}
	}
}

func TestSearchLinksNoToken(t *testing.T) {
	links := searchLinks(SearchLinkParams{
		BaseURL: "http://host/fhir/demo/Patient",
		Offset:  0,
		Count:   10,
	})
	if len(links) != 1 || links[0].Relation != "self" {
		t.Errorf("unpaginated search should carry self only, got %v", links)
	}
}

func TestNewHistoryBundle(t *testing.T) {
	now := time.Now().UTC()
	v3 := Tombstone("Patient", "p1", 3, now)
	v2 := map[string]interface{}{"resourceType": "Patient", "id": "p1"}
	StampMeta(v2, 2, now)
	v1 := map[string]interface{}{"resourceType": "Patient", "id": "p1"}
	StampMeta(v1, 1, now)

	bundle := NewHistoryBundle("Patient", "p1", []map[string]interface{}{v3, v2, v1}, "http://host/fhir/demo")

	if bundle.Type != "history" {
		t.Fatalf("type = %q, want history", bundle.Type)
	}
	if bundle.Total == nil || *bundle.Total != 3 {
		t.Fatalf("total = %v, want 3", bundle.Total)
	}
	if len(bundle.Entry) != 3 {
		t.Fatalf("entries = %d, want 3", len(bundle.Entry))
	}

	// Tombstone entry: DELETE, no resource.
	if bundle.Entry[0].Request.Method != "DELETE" {
		t.Errorf("entry 0 method = %q, want DELETE", bundle.Entry[0].Request.Method)
	}
	if bundle.Entry[0].Resource != nil {
		t.Error("tombstone entry must not carry a resource")
	}
	if bundle.Entry[0].Response.Status != "204 No Content" {
		t.Errorf("entry 0 status = %q", bundle.Entry[0].Response.Status)
	}

	// Middle version: PUT.
	if bundle.Entry[1].Request.Method != "PUT" {
		t.Errorf("entry 1 method = %q, want PUT", bundle.Entry[1].Request.Method)
	}
	if bundle.Entry[1].Response.Etag != `W/"2"` {
		t.Errorf("entry 1 etag = %q", bundle.Entry[1].Response.Etag)
	}

	// First version: POST / 201.
	if bundle.Entry[2].Request.Method != "POST" {
		t.Errorf("entry 2 method = %q, want POST", bundle.Entry[2].Request.Method)
	}
	if bundle.Entry[2].Response.Status != "201 Created" {
		t.Errorf("entry 2 status = %q", bundle.Entry[2].Response.Status)
	}
}

func TestFormatETag(t *testing.T) {
	if got := FormatETag(7); got != `W/"7"` {
		t.Errorf("FormatETag(7) = %q", got)
	}
}
