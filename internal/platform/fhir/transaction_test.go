package fhir

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/carebase/carebase/internal/platform/db"
)

func TestTransactionBundleRewritesSyntheticReferences(t *testing.T) {
	store := newFakeStore()
	l := newTestLifecycle(store)

	body := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"fullUrl": "urn:uuid:aaaa-1111",
				"resource": map[string]interface{}{
					"resourceType": "Patient",
					"gender":       "female",
				},
				"request": map[string]interface{}{"method": "POST", "url": "Patient"},
			},
			map[string]interface{}{
				"fullUrl": "urn:uuid:bbbb-2222",
				"resource": map[string]interface{}{
					"resourceType": "Observation",
					"status":       "final",
					"subject":      map[string]interface{}{"reference": "urn:uuid:aaaa-1111"},
				},
				"request": map[string]interface{}{"method": "POST", "url": "Observation"},
			},
		},
	}

	resp, err := l.ProcessBundle(context.Background(), "demo", body)
	if err != nil {
		t.Fatalf("ProcessBundle: %v", err)
	}
	if resp.Type != "transaction-response" {
		t.Fatalf("type = %q", resp.Type)
	}
	if len(resp.Entry) != 2 {
		t.Fatalf("entries = %d, want 2", len(resp.Entry))
	}
	for i, entry := range resp.Entry {
		if entry.Response.Status != "201 Created" {
			t.Errorf("entry %d status = %q", i, entry.Response.Status)
		}
	}

	// The observation's subject must now point at the assigned patient key.
	patientLoc := resp.Entry[0].Response.Location
	patientKey := strings.TrimSuffix(patientLoc, "/_history/1")
	obsLoc := resp.Entry[1].Response.Location
	obsKey := strings.TrimSuffix(obsLoc, "/_history/1")

	stored := store.get("demo", db.ScopeResources, "Clinical", obsKey)
	if stored == nil {
		t.Fatal("observation not stored")
	}
	subject := stored["subject"].(map[string]interface{})
	if subject["reference"] != patientKey {
		t.Errorf("reference not rewritten: %v, want %s", subject["reference"], patientKey)
	}
	if strings.HasPrefix(subject["reference"].(string), "urn:uuid:") {
		t.Error("urn reference leaked into storage")
	}
}

func TestTransactionBundleFailsAtomically(t *testing.T) {
	store := newFakeStore()
	l := newTestLifecycle(store)

	body := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"resource": map[string]interface{}{"resourceType": "Patient", "id": "p1"},
				"request":  map[string]interface{}{"method": "POST", "url": "Patient"},
			},
			map[string]interface{}{
				// PUT on a missing resource type fails validation.
				"resource": map[string]interface{}{"resourceType": "Starship", "id": "x"},
				"request":  map[string]interface{}{"method": "PUT", "url": "Starship/x"},
			},
		},
	}

	if _, err := l.ProcessBundle(context.Background(), "demo", body); err == nil {
		t.Fatal("transaction with a failing entry must fail as a whole")
	}
	if store.has("demo", db.ScopeResources, "Patient", "Patient/p1") {
		t.Error("failed transaction must not leave partial writes")
	}
}

func TestBatchBundleIsolatesFailures(t *testing.T) {
	store := newFakeStore()
	l := newTestLifecycle(store)

	existing := map[string]interface{}{"resourceType": "Patient", "id": "keep"}
	StampMeta(existing, 1, time.Now().UTC())
	store.seed("demo", db.ScopeResources, "Patient", "Patient/keep", existing)

	body := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "batch",
		"entry": []interface{}{
			map[string]interface{}{
				"request": map[string]interface{}{"method": "GET", "url": "Starship/x"},
			},
			map[string]interface{}{
				"request": map[string]interface{}{"method": "GET", "url": "Patient/keep"},
			},
		},
	}

	resp, err := l.ProcessBundle(context.Background(), "demo", body)
	if err != nil {
		t.Fatalf("ProcessBundle: %v", err)
	}
	if resp.Type != "batch-response" {
		t.Fatalf("type = %q", resp.Type)
	}
	if resp.Entry[0].Response.Status != "400 Bad Request" {
		t.Errorf("entry 0 status = %q", resp.Entry[0].Response.Status)
	}
	if resp.Entry[0].Response.Outcome == nil {
		t.Error("failed batch entry should carry an outcome")
	}
	if resp.Entry[1].Response.Status != "200 OK" {
		t.Errorf("entry 1 status = %q, failure must not poison the batch", resp.Entry[1].Response.Status)
	}
	if ResourceIDOf(resp.Entry[1].Resource) != "keep" {
		t.Errorf("entry 1 resource wrong: %v", resp.Entry[1].Resource)
	}
}

func TestBundleEntryPutUpdateAndCreate(t *testing.T) {
	store := newFakeStore()
	l := newTestLifecycle(store)

	existing := map[string]interface{}{"resourceType": "Patient", "id": "p1", "gender": "male"}
	StampMeta(existing, 1, time.Now().UTC())
	store.seed("demo", db.ScopeResources, "Patient", "Patient/p1", existing)

	body := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"resource": map[string]interface{}{"resourceType": "Patient", "gender": "other"},
				"request":  map[string]interface{}{"method": "PUT", "url": "Patient/p1"},
			},
			map[string]interface{}{
				"resource": map[string]interface{}{"resourceType": "Patient"},
				"request":  map[string]interface{}{"method": "PUT", "url": "Patient/p2"},
			},
			map[string]interface{}{
				"request": map[string]interface{}{"method": "DELETE", "url": "Patient/p1"},
			},
		},
	}

	resp, err := l.ProcessBundle(context.Background(), "demo", body)
	if err != nil {
		t.Fatalf("ProcessBundle: %v", err)
	}
	if resp.Entry[0].Response.Status != "200 OK" || resp.Entry[0].Response.Etag != `W/"2"` {
		t.Errorf("update entry wrong: %+v", resp.Entry[0].Response)
	}
	if resp.Entry[1].Response.Status != "201 Created" || resp.Entry[1].Response.Etag != `W/"1"` {
		t.Errorf("create entry wrong: %+v", resp.Entry[1].Response)
	}
	if resp.Entry[2].Response.Status != "204 No Content" {
		t.Errorf("delete entry wrong: %+v", resp.Entry[2].Response)
	}

	if store.has("demo", db.ScopeResources, "Patient", "Patient/p1") {
		t.Error("p1 should be removed by the delete entry")
	}
	if !store.has("demo", db.ScopeVersions, db.CollectionVersions, VersionKey("Patient", "p1", 3)) {
		t.Error("delete tombstone (v3, after the in-bundle update) missing")
	}
	if !store.has("demo", db.ScopeResources, "Patient", "Patient/p2") {
		t.Error("p2 not created")
	}
}

func TestProcessBundleRejectsNonBundle(t *testing.T) {
	l := newTestLifecycle(newFakeStore())
	_, err := l.ProcessBundle(context.Background(), "demo", map[string]interface{}{"resourceType": "Patient"})
	if KindOf(err) != KindInvalid {
		t.Errorf("non-bundle body should be invalid, got %v", err)
	}

	_, err = l.ProcessBundle(context.Background(), "demo", map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
	})
	if KindOf(err) != KindInvalid {
		t.Errorf("searchset bundle should be invalid, got %v", err)
	}
}
