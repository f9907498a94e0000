package fhir

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/couchbase/gocb/v2/search"
	"github.com/rs/zerolog"

	"github.com/carebase/carebase/internal/platform/db"
)

func newTestEngine(store *fakeStore, cfg EngineConfig) *Engine {
	router := db.NewRouter()
	schema := DefaultSchema()
	cache := NewPageCache(store, zerolog.Nop())
	return NewEngine(store, router, schema, cache, cfg, zerolog.Nop())
}

func seedResource(store *fakeStore, tenant, collection string, doc map[string]interface{}) string {
	key := ResourceKey(ResourceTypeOf(doc), ResourceIDOf(doc))
	store.seed(tenant, db.ScopeResources, collection, key, doc)
	return key
}

func patientDoc(id, family string) map[string]interface{} {
	doc := map[string]interface{}{
		"resourceType": "Patient",
		"id":           id,
		"name": []interface{}{
			map[string]interface{}{"family": family},
		},
		"text": map[string]interface{}{"status": "generated", "div": "<div>narrative</div>"},
	}
	StampMeta(doc, 1, time.Now().UTC())
	return doc
}

func observationDoc(id, patientKey string) map[string]interface{} {
	doc := map[string]interface{}{
		"resourceType": "Observation",
		"id":           id,
		"status":       "final",
		"subject":      map[string]interface{}{"reference": patientKey},
	}
	StampMeta(doc, 1, time.Now().UTC())
	return doc
}

func TestSearchUnknownResourceType(t *testing.T) {
	e := newTestEngine(newFakeStore(), EngineConfig{})
	_, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Starship",
		Params:       url.Values{},
	})
	if KindOf(err) != KindInvalid {
		t.Errorf("unknown type should be invalid, got %v", err)
	}
}

func TestSearchUnknownParameter(t *testing.T) {
	e := newTestEngine(newFakeStore(), EngineConfig{})
	_, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Patient",
		Params:       url.Values{"favorite-color": []string{"blue"}},
	})
	if KindOf(err) != KindInvalid {
		t.Errorf("unknown parameter should be invalid, got %v", err)
	}
}

func TestFreshSearchSinglePage(t *testing.T) {
	store := newFakeStore()
	k1 := seedResource(store, "demo", "Patient", patientDoc("p1", "Smith"))
	k2 := seedResource(store, "demo", "Patient", patientDoc("p2", "Smythe"))
	store.searchFn = func(index string, _ search.Query, _ db.SearchOptions) (*db.SearchPage, error) {
		if index != "fts_patient" {
			t.Errorf("index = %q, want fts_patient", index)
		}
		return &db.SearchPage{IDs: []string{k1, k2}, Total: 2}, nil
	}
	e := newTestEngine(store, EngineConfig{PageSize: 50})

	bundle, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Patient",
		Params:       url.Values{"name": []string{"smi"}},
		BaseURL:      "http://host/fhir/demo/Patient",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if bundle.Type != "searchset" {
		t.Fatalf("type = %q", bundle.Type)
	}
	if bundle.Total == nil || *bundle.Total != 2 {
		t.Fatalf("total = %v, want 2", bundle.Total)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("entries = %d, want 2", len(bundle.Entry))
	}
	for _, entry := range bundle.Entry {
		if entry.Search == nil || entry.Search.Mode != "match" {
			t.Errorf("primary entries must be match mode: %+v", entry.Search)
		}
	}
	for _, l := range bundle.Link {
		if l.Relation == "next" {
			t.Error("single page must not carry a next link")
		}
	}
}

func TestFreshSearchPaginatesAndStoresState(t *testing.T) {
	store := newFakeStore()
	keys := []string{
		seedResource(store, "demo", "Patient", patientDoc("p1", "A")),
		seedResource(store, "demo", "Patient", patientDoc("p2", "B")),
		seedResource(store, "demo", "Patient", patientDoc("p3", "C")),
	}
	store.searchFn = func(_ string, _ search.Query, _ db.SearchOptions) (*db.SearchPage, error) {
		return &db.SearchPage{IDs: keys, Total: 3}, nil
	}
	e := newTestEngine(store, EngineConfig{PageSize: 50})

	bundle, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Patient",
		Params:       url.Values{"_count": []string{"2"}},
		BaseURL:      "http://host/fhir/demo/Patient",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("first page entries = %d, want 2", len(bundle.Entry))
	}

	var next string
	for _, l := range bundle.Link {
		if l.Relation == "next" {
			next = l.URL
		}
	}
	if next == "" {
		t.Fatal("next link missing with keys remaining")
	}
	if !strings.Contains(next, "_offset=2") || !strings.Contains(next, "_count=2") {
		t.Errorf("next link malformed: %s", next)
	}

	// Continuation state landed in the tenant's cache collection, typed as a
	// regular search.
	var state *PageState
	store.mu.Lock()
	for addr, doc := range store.docs {
		if strings.HasPrefix(addr, "demo/"+db.ScopeAdmin+"/"+db.CollectionCache+"/") {
			state, _ = doc["_raw"].(*PageState)
		}
	}
	store.mu.Unlock()
	if state == nil {
		t.Fatal("continuation state not stored")
	}
	if state.SearchType != "regular" {
		t.Errorf("stored searchType = %q, want regular", state.SearchType)
	}
}

func TestContinueSearchSlicesStoredKeys(t *testing.T) {
	store := newFakeStore()
	k1 := seedResource(store, "demo", "Patient", patientDoc("p1", "A"))
	k2 := seedResource(store, "demo", "Patient", patientDoc("p2", "B"))
	obsKey := seedResource(store, "demo", "Clinical", observationDoc("o1", k1))
	store.seed("demo", db.ScopeAdmin, db.CollectionCache, "tok-1", map[string]interface{}{
		"searchType":           "regular",
		"resourceType":         "Patient",
		"allDocumentKeys":      []interface{}{k1, k2, obsKey},
		"pageSize":             float64(2),
		"bucketName":           "demo",
		"baseUrl":              "http://host/fhir/demo/Patient",
		"primaryResourceCount": float64(2),
		"createdAt":            "2026-08-24T10:00:00Z",
	})
	e := newTestEngine(store, EngineConfig{PageSize: 50})

	bundle, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Patient",
		Params: url.Values{
			"_page":   []string{"tok-1"},
			"_offset": []string{"2"},
			"_count":  []string{"2"},
		},
		BaseURL: "http://host/fhir/demo/Patient",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if bundle.Total == nil || *bundle.Total != 2 {
		t.Fatalf("total must stay the primary count, got %v", bundle.Total)
	}
	if len(bundle.Entry) != 1 {
		t.Fatalf("entries = %d, want 1", len(bundle.Entry))
	}
	if bundle.Entry[0].Search.Mode != "include" {
		t.Errorf("keys past the primary count are include mode, got %q", bundle.Entry[0].Search.Mode)
	}
	if ResourceTypeOf(bundle.Entry[0].Resource) != "Observation" {
		t.Errorf("wrong document sliced: %v", bundle.Entry[0].Resource)
	}

	var prev string
	for _, l := range bundle.Link {
		if l.Relation == "previous" {
			prev = l.URL
		}
	}
	if !strings.Contains(prev, "_offset=0") {
		t.Errorf("previous link malformed: %s", prev)
	}
}

func TestContinueSearchExpiredToken(t *testing.T) {
	e := newTestEngine(newFakeStore(), EngineConfig{})
	_, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Patient",
		Params:       url.Values{"_page": []string{"stale"}},
	})
	if KindOf(err) != KindGone {
		t.Errorf("expired token should be Gone, got %v", err)
	}
}

func TestFreshSearchDropsTombstonedKeys(t *testing.T) {
	store := newFakeStore()
	k1 := seedResource(store, "demo", "Patient", patientDoc("p1", "A"))
	dead := Tombstone("Patient", "p2", 2, time.Now().UTC())
	k2 := seedResource(store, "demo", "Patient", dead)
	store.searchFn = func(_ string, _ search.Query, _ db.SearchOptions) (*db.SearchPage, error) {
		return &db.SearchPage{IDs: []string{k1, k2}, Total: 2}, nil
	}
	e := newTestEngine(store, EngineConfig{})

	bundle, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Patient",
		Params:       url.Values{},
		BaseURL:      "http://host/fhir/demo/Patient",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(bundle.Entry) != 1 {
		t.Fatalf("tombstoned key must drop out, entries = %d", len(bundle.Entry))
	}
	if bundle.Total == nil || *bundle.Total != 1 {
		t.Errorf("total = %v, want 1", bundle.Total)
	}
}

func TestSearchIncludeFollowsReferences(t *testing.T) {
	store := newFakeStore()
	pKey := seedResource(store, "demo", "Patient", patientDoc("p1", "Smith"))
	oKey := seedResource(store, "demo", "Clinical", observationDoc("o1", pKey))
	store.searchFn = func(index string, _ search.Query, _ db.SearchOptions) (*db.SearchPage, error) {
		return &db.SearchPage{IDs: []string{oKey}, Total: 1}, nil
	}
	e := newTestEngine(store, EngineConfig{})

	bundle, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Observation",
		Params:       url.Values{"_include": []string{"Observation:subject"}},
		BaseURL:      "http://host/fhir/demo/Observation",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("entries = %d, want match + include", len(bundle.Entry))
	}
	if bundle.Total == nil || *bundle.Total != 1 {
		t.Errorf("total counts primaries only, got %v", bundle.Total)
	}
	if bundle.Entry[0].Search.Mode != "match" || ResourceTypeOf(bundle.Entry[0].Resource) != "Observation" {
		t.Errorf("entry 0 wrong: %v", bundle.Entry[0])
	}
	if bundle.Entry[1].Search.Mode != "include" || ResourceTypeOf(bundle.Entry[1].Resource) != "Patient" {
		t.Errorf("entry 1 wrong: %v", bundle.Entry[1])
	}
}

func TestSearchRevincludeQueriesReverseReferences(t *testing.T) {
	store := newFakeStore()
	pKey := seedResource(store, "demo", "Patient", patientDoc("p1", "Smith"))
	oKey := seedResource(store, "demo", "Clinical", observationDoc("o1", pKey))
	store.searchFn = func(index string, query search.Query, _ db.SearchOptions) (*db.SearchPage, error) {
		switch index {
		case "fts_patient":
			return &db.SearchPage{IDs: []string{pKey}, Total: 1}, nil
		case "fts_clinical":
			raw := mustMarshalQuery(query)
			if !strings.Contains(raw, pKey) || !strings.Contains(raw, "subject.reference") {
				t.Errorf("reverse query should constrain subject.reference to %s: %s", pKey, raw)
			}
			return &db.SearchPage{IDs: []string{oKey}, Total: 1}, nil
		}
		t.Errorf("unexpected index %q", index)
		return &db.SearchPage{}, nil
	}
	e := newTestEngine(store, EngineConfig{})

	bundle, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Patient",
		Params:       url.Values{"_revinclude": []string{"Observation:subject"}},
		BaseURL:      "http://host/fhir/demo/Patient",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("entries = %d, want match + include", len(bundle.Entry))
	}
	if bundle.Entry[1].Search.Mode != "include" || ResourceTypeOf(bundle.Entry[1].Resource) != "Observation" {
		t.Errorf("revinclude entry wrong: %v", bundle.Entry[1])
	}
}

func TestSearchChainedParameter(t *testing.T) {
	store := newFakeStore()
	pKey := seedResource(store, "demo", "Patient", patientDoc("p1", "Smith"))
	oKey := seedResource(store, "demo", "Clinical", observationDoc("o1", pKey))
	store.searchFn = func(index string, query search.Query, _ db.SearchOptions) (*db.SearchPage, error) {
		switch index {
		case "fts_patient":
			return &db.SearchPage{IDs: []string{pKey}, Total: 1}, nil
		case "fts_clinical":
			raw := mustMarshalQuery(query)
			if !strings.Contains(raw, `"term":"`+pKey+`"`) {
				t.Errorf("chained clause should pin the resolved key: %s", raw)
			}
			return &db.SearchPage{IDs: []string{oKey}, Total: 1}, nil
		}
		t.Errorf("unexpected index %q", index)
		return &db.SearchPage{}, nil
	}
	e := newTestEngine(store, EngineConfig{})

	bundle, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Observation",
		Params:       url.Values{"patient.name": []string{"Smith"}},
		BaseURL:      "http://host/fhir/demo/Observation",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(bundle.Entry) != 1 || ResourceTypeOf(bundle.Entry[0].Resource) != "Observation" {
		t.Fatalf("chained search result wrong: %v", bundle.Entry)
	}
}

func TestSearchChainedNoMatchesYieldsEmptyBundle(t *testing.T) {
	store := newFakeStore()
	var clinicalQuery string
	store.searchFn = func(index string, q search.Query, _ db.SearchOptions) (*db.SearchPage, error) {
		if index == "fts_clinical" {
			clinicalQuery = mustMarshalQuery(q)
		}
		return &db.SearchPage{}, nil
	}
	e := newTestEngine(store, EngineConfig{})

	bundle, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Observation",
		Params:       url.Values{"patient.name": []string{"Nobody"}},
		BaseURL:      "http://host/fhir/demo/Observation",
	})
	if err != nil {
		t.Fatalf("chain resolving nothing should still search: %v", err)
	}
	if len(bundle.Entry) != 0 {
		t.Errorf("entries = %d, want 0", len(bundle.Entry))
	}
	if bundle.Total == nil || *bundle.Total != 0 {
		t.Errorf("total = %v, want 0", bundle.Total)
	}
	// The clause degrades to a match-none query so the conjunction with the
	// resourceType term cannot match anything.
	if !strings.Contains(clinicalQuery, "match_none") {
		t.Errorf("primary query should carry a match-none clause: %s", clinicalQuery)
	}
}

func TestSearchChainedUnknownTargetParameter(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, EngineConfig{})

	_, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Observation",
		Params:       url.Values{"patient.nosuch": []string{"x"}},
	})
	if KindOf(err) != KindInvalid {
		t.Errorf("chain through an undeclared parameter should be invalid, got %v", err)
	}
}

func TestSearchSummaryText(t *testing.T) {
	store := newFakeStore()
	key := seedResource(store, "demo", "Patient", patientDoc("p1", "Smith"))
	store.searchFn = func(_ string, _ search.Query, _ db.SearchOptions) (*db.SearchPage, error) {
		return &db.SearchPage{IDs: []string{key}, Total: 1}, nil
	}
	e := newTestEngine(store, EngineConfig{})

	bundle, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Patient",
		Params:       url.Values{"_summary": []string{"text"}},
		BaseURL:      "http://host/fhir/demo/Patient",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	doc := bundle.Entry[0].Resource
	if _, ok := doc["text"]; !ok {
		t.Error("_summary=text keeps narrative")
	}
	if _, ok := doc["name"]; ok {
		t.Error("_summary=text drops data elements")
	}
}

func TestSearchSummaryData(t *testing.T) {
	store := newFakeStore()
	key := seedResource(store, "demo", "Patient", patientDoc("p1", "Smith"))
	store.searchFn = func(_ string, _ search.Query, _ db.SearchOptions) (*db.SearchPage, error) {
		return &db.SearchPage{IDs: []string{key}, Total: 1}, nil
	}
	e := newTestEngine(store, EngineConfig{})

	bundle, err := e.Search(context.Background(), &SearchRequest{
		Tenant:       "demo",
		ResourceType: "Patient",
		Params:       url.Values{"_summary": []string{"data"}},
		BaseURL:      "http://host/fhir/demo/Patient",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	doc := bundle.Entry[0].Resource
	if _, ok := doc["text"]; ok {
		t.Error("_summary=data drops narrative")
	}
	if _, ok := doc["name"]; !ok {
		t.Error("_summary=data keeps data elements")
	}
}

func TestSearchTotalModes(t *testing.T) {
	store := newFakeStore()
	key := seedResource(store, "demo", "Patient", patientDoc("p1", "Smith"))
	store.searchFn = func(_ string, _ search.Query, _ db.SearchOptions) (*db.SearchPage, error) {
		return &db.SearchPage{IDs: []string{key}, Total: 42}, nil
	}
	store.queryFn = func(statement string, params []interface{}) ([]map[string]interface{}, error) {
		if !strings.Contains(statement, "COUNT(*)") {
			t.Errorf("accurate total should run the count shape: %s", statement)
		}
		if len(params) != 1 {
			t.Errorf("count statement wants the query DSL as the single parameter")
		}
		return []map[string]interface{}{{"total": float64(7)}}, nil
	}
	e := newTestEngine(store, EngineConfig{})

	run := func(total string) *Bundle {
		t.Helper()
		params := url.Values{}
		if total != "" {
			params.Set("_total", total)
		}
		bundle, err := e.Search(context.Background(), &SearchRequest{
			Tenant:       "demo",
			ResourceType: "Patient",
			Params:       params,
			BaseURL:      "http://host/fhir/demo/Patient",
		})
		if err != nil {
			t.Fatalf("Search(_total=%s): %v", total, err)
		}
		return bundle
	}

	if b := run("none"); b.Total != nil {
		t.Errorf("_total=none should omit total, got %v", *b.Total)
	}
	if b := run("estimate"); b.Total == nil || *b.Total != 42 {
		t.Errorf("_total=estimate should report the index total, got %v", b.Total)
	}
	if b := run("accurate"); b.Total == nil || *b.Total != 7 {
		t.Errorf("_total=accurate should report the counted total, got %v", b.Total)
	}
	if b := run(""); b.Total == nil || *b.Total != 1 {
		t.Errorf("default total is the primary count, got %v", b.Total)
	}
}

func TestSearchInvalidControls(t *testing.T) {
	e := newTestEngine(newFakeStore(), EngineConfig{})
	tests := []struct {
		name   string
		params url.Values
	}{
		{"zero count", url.Values{"_count": []string{"0"}}},
		{"negative offset", url.Values{"_offset": []string{"-1"}}},
		{"bad summary", url.Values{"_summary": []string{"everything"}}},
		{"bad total", url.Values{"_total": []string{"exact"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Search(context.Background(), &SearchRequest{
				Tenant:       "demo",
				ResourceType: "Patient",
				Params:       tt.params,
			})
			if KindOf(err) != KindInvalid {
				t.Errorf("want invalid, got %v", err)
			}
		})
	}
}
