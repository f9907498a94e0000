package db

import (
	"fmt"
	"sort"
)

// Scope and collection names shared by every tenant bucket. Resource
// documents live in one of several collections under the Resources scope,
// prior versions under Versions.Versions, and pagination state under
// Admin.cache.
const (
	ScopeResources = "Resources"
	ScopeVersions  = "Versions"
	ScopeAdmin     = "Admin"

	CollectionVersions = "Versions"
	CollectionCache    = "cache"

	// VersionsIndex is the FTS index over the Versions collection, used by
	// the history operation.
	VersionsIndex = "fts_versions"
)

// Router maps a FHIR resource type to the collection it is stored in and the
// FTS index that covers that collection. Several resource types co-locate in
// one collection to keep the index count down; every FTS query therefore
// carries a resourceType term. The tables are built at startup and immutable
// afterwards.
type Router struct {
	collections map[string]string // resource type -> collection
	indexes     map[string]string // collection -> FTS index
}

// NewRouter builds the router from the static routing table.
func NewRouter() *Router {
	r := &Router{
		collections: make(map[string]string),
		indexes: map[string]string{
			"Patient":  "fts_patient",
			"Clinical": "fts_clinical",
			"General":  "fts_general",
		},
	}

	route := func(collection string, types ...string) {
		for _, t := range types {
			r.collections[t] = collection
		}
	}

	route("Patient", "Patient")
	route("Clinical",
		"Observation", "Encounter", "Condition", "Procedure",
		"DiagnosticReport", "AllergyIntolerance", "MedicationRequest",
		"Immunization", "CarePlan")
	route("General",
		"Practitioner", "PractitionerRole", "Organization", "Location",
		"RelatedPerson")

	return r
}

// Supports reports whether the resource type is routed at all.
func (r *Router) Supports(resourceType string) bool {
	_, ok := r.collections[resourceType]
	return ok
}

// TargetCollection returns the collection a resource type is stored in.
func (r *Router) TargetCollection(resourceType string) (string, error) {
	c, ok := r.collections[resourceType]
	if !ok {
		return "", fmt.Errorf("resource type %q is not routed to a collection", resourceType)
	}
	return c, nil
}

// FTSIndex returns the FTS index covering the resource type's collection.
func (r *Router) FTSIndex(resourceType string) (string, error) {
	c, err := r.TargetCollection(resourceType)
	if err != nil {
		return "", err
	}
	idx, ok := r.indexes[c]
	if !ok {
		return "", fmt.Errorf("collection %q has no FTS index", c)
	}
	return idx, nil
}

// CollectionIndex is one (collection, FTS index) pair from the routing table.
type CollectionIndex struct {
	Collection string
	Index      string
}

// AllIndexes returns every (collection, index) pair, sorted by collection.
func (r *Router) AllIndexes() []CollectionIndex {
	out := make([]CollectionIndex, 0, len(r.indexes))
	for c, idx := range r.indexes {
		out = append(out, CollectionIndex{Collection: c, Index: idx})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Collection < out[j].Collection })
	return out
}

// ResourceTypes returns every routed resource type, sorted.
func (r *Router) ResourceTypes() []string {
	out := make([]string, 0, len(r.collections))
	for t := range r.collections {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
