package fhir

import (
	"context"
	"net/url"

	"github.com/couchbase/gocb/v2/search"
	"github.com/google/uuid"

	"github.com/carebase/carebase/internal/platform/db"
)

// Everything implements Patient/$everything: the patient itself plus every
// resource of the configured compartment types that references it. An empty
// type configuration yields just the patient. Results page exactly like a
// type-level search: the full key list is stored once and subsequent pages
// slice it by the offset in the URL.
func (e *Engine) Everything(ctx context.Context, tenant, patientID string, params url.Values, baseURL string) (*Bundle, error) {
	controls, err := e.parseControls(params)
	if err != nil {
		return nil, err
	}
	if controls.page != "" {
		return e.continueSearch(ctx, &SearchRequest{Tenant: tenant}, controls)
	}

	patientKey := ResourceKey("Patient", patientID)
	collection, err := e.router.TargetCollection("Patient")
	if err != nil {
		return nil, err
	}
	patient, err := e.store.Get(ctx, tenant, db.ScopeResources, collection, patientKey)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, NewError(KindNotFound, "Patient/%s not found", patientID)
		}
		return nil, err
	}
	if IsTombstone(patient) {
		return nil, NewError(KindGone, "Patient/%s has been deleted", patientID)
	}

	allKeys := []string{patientKey}
	for _, rt := range e.cfg.EverythingTypes {
		if !e.router.Supports(rt) {
			continue
		}
		keys, err := e.compartmentKeys(ctx, tenant, rt, patientKey)
		if err != nil {
			return nil, err
		}
		allKeys = append(allKeys, dedupeKeys(keys, allKeys)...)
	}

	selfBase := baseURL + "/Patient/" + patientID + "/$everything"

	// Every compartment member is a match; the stored primary count equals
	// the key count so continuation pages never flip to include mode.
	token := ""
	if len(allKeys) > controls.count {
		token = uuid.NewString()
		state := &PageState{
			SearchType:           "everything",
			ResourceType:         "Patient",
			AllDocumentKeys:      allKeys,
			PageSize:             controls.count,
			BucketName:           tenant,
			BaseURL:              selfBase,
			PrimaryResourceCount: len(allKeys),
			CreatedAt:            nowUTC(),
		}
		if err := e.cache.Store(ctx, tenant, token, state); err != nil {
			token = ""
		}
	}

	pageKeys := allKeys
	if len(pageKeys) > controls.count {
		pageKeys = pageKeys[:controls.count]
	}
	docs, err := e.fetchDocs(ctx, tenant, pageKeys, map[string]map[string]interface{}{patientKey: patient})
	if err != nil {
		return nil, err
	}

	entries := make([]searchEntry, 0, len(pageKeys))
	for _, key := range pageKeys {
		doc, ok := docs[key]
		if !ok {
			continue
		}
		entries = append(entries, searchEntry{doc: e.project(doc, controls.summary), mode: "match"})
	}
	total := len(allKeys)
	links := searchLinks(SearchLinkParams{
		BaseURL:   selfBase,
		PageToken: token,
		Offset:    0,
		Count:     controls.count,
		TotalKeys: len(allKeys),
	})
	return newSearchBundle(entries, &total, links), nil
}

// compartmentKeys finds resources of one type whose patient-pointing
// reference parameters hit the patient key.
func (e *Engine) compartmentKeys(ctx context.Context, tenant, resourceType, patientKey string) ([]string, error) {
	var alts []search.Query
	for _, def := range e.schema.Params(resourceType) {
		if def.Type != ParamReference || !containsString(def.Targets, "Patient") {
			continue
		}
		expr, err := ParseExpression(resourceType, def.Expression)
		if err != nil {
			return nil, err
		}
		fields, err := referenceFields(e.schema, resourceType, expr)
		if err != nil {
			return nil, err
		}
		for _, field := range fields {
			alts = append(alts, search.NewTermQuery(patientKey).Field(field+".reference"))
		}
	}
	if len(alts) == 0 {
		return nil, nil
	}

	index, err := e.router.FTSIndex(resourceType)
	if err != nil {
		return nil, err
	}
	page, err := e.store.SearchIDs(ctx, tenant, index, BuildQuery(resourceType, []search.Query{disjoin(alts)}), db.SearchOptions{Limit: e.cfg.FTSLimit})
	if err != nil {
		return nil, err
	}
	return page.IDs, nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
