package fhir

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/carebase/carebase/internal/platform/db"
)

// bundleEntrySpec is one parsed write instruction from a request bundle.
type bundleEntrySpec struct {
	fullURL  string
	method   string
	url      string
	resource map[string]interface{}
}

// ProcessBundle executes a batch or transaction bundle. Transaction entries
// run inside one multi-document transaction and fail together; batch entries
// run independently with per-entry outcomes. Synthetic urn:uuid fullUrls get
// server ids assigned up front and every in-bundle reference to them is
// rewritten before any write.
func (l *Lifecycle) ProcessBundle(ctx context.Context, tenant string, body map[string]interface{}) (*Bundle, error) {
	if ResourceTypeOf(body) != "Bundle" {
		return nil, Invalidf("request body must be a Bundle")
	}
	bundleType, _ := body["type"].(string)
	if bundleType != "transaction" && bundleType != "batch" {
		return nil, Invalidf("unsupported bundle type %q", bundleType)
	}

	specs, err := parseBundleEntries(body)
	if err != nil {
		return nil, err
	}
	assignSyntheticIDs(specs)

	if bundleType == "transaction" {
		return l.runTransactionBundle(ctx, tenant, specs)
	}
	return l.runBatchBundle(ctx, tenant, specs)
}

func parseBundleEntries(body map[string]interface{}) ([]*bundleEntrySpec, error) {
	rawEntries, _ := body["entry"].([]interface{})
	specs := make([]*bundleEntrySpec, 0, len(rawEntries))
	for i, raw := range rawEntries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return nil, Invalidf("entry %d is not an object", i)
		}
		request, ok := entry["request"].(map[string]interface{})
		if !ok {
			return nil, Invalidf("entry %d has no request", i)
		}
		method, _ := request["method"].(string)
		reqURL, _ := request["url"].(string)
		if method == "" || reqURL == "" {
			return nil, Invalidf("entry %d request needs method and url", i)
		}
		spec := &bundleEntrySpec{
			method: strings.ToUpper(method),
			url:    strings.Trim(reqURL, "/"),
		}
		spec.fullURL, _ = entry["fullUrl"].(string)
		spec.resource, _ = entry["resource"].(map[string]interface{})
		specs = append(specs, spec)
	}
	return specs, nil
}

// assignSyntheticIDs gives POST entries with urn:uuid fullUrls their final
// ids and rewrites every reference inside the bundle to the assigned
// "Type/id" form.
func assignSyntheticIDs(specs []*bundleEntrySpec) {
	rewrites := map[string]string{}
	for _, spec := range specs {
		if spec.method != "POST" || spec.resource == nil {
			continue
		}
		if !strings.HasPrefix(spec.fullURL, "urn:uuid:") {
			continue
		}
		id := uuid.NewString()
		spec.resource["id"] = id
		rewrites[spec.fullURL] = ResourceTypeOf(spec.resource) + "/" + id
	}
	if len(rewrites) == 0 {
		return
	}
	for _, spec := range specs {
		if spec.resource != nil {
			rewriteReferences(spec.resource, rewrites)
		}
	}
}

func rewriteReferences(node interface{}, rewrites map[string]string) {
	switch v := node.(type) {
	case map[string]interface{}:
		if ref, ok := v["reference"].(string); ok {
			if target, hit := rewrites[ref]; hit {
				v["reference"] = target
			}
		}
		for _, child := range v {
			rewriteReferences(child, rewrites)
		}
	case []interface{}:
		for _, child := range v {
			rewriteReferences(child, rewrites)
		}
	}
}

func (l *Lifecycle) runTransactionBundle(ctx context.Context, tenant string, specs []*bundleEntrySpec) (*Bundle, error) {
	responses := make([]BundleEntry, len(specs))

	err := l.withConflictRetry(ctx, func() error {
		return l.store.InTransaction(ctx, tenant, func(tx db.Tx) error {
			for i, spec := range specs {
				resp, err := l.applyEntry(tx, spec)
				if err != nil {
					return err
				}
				responses[i] = resp
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "transaction-response",
		Entry:        responses,
	}, nil
}

func (l *Lifecycle) runBatchBundle(ctx context.Context, tenant string, specs []*bundleEntrySpec) (*Bundle, error) {
	responses := make([]BundleEntry, len(specs))
	for i, spec := range specs {
		spec := spec
		var resp BundleEntry
		err := l.store.InTransaction(ctx, tenant, func(tx db.Tx) error {
			var err error
			resp, err = l.applyEntry(tx, spec)
			return err
		})
		if err != nil {
			responses[i] = BundleEntry{Response: &BundleResponse{
				Status:  httpStatusLine(StatusOf(err)),
				Outcome: OutcomeOf(err),
			}}
			continue
		}
		responses[i] = resp
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "batch-response",
		Entry:        responses,
	}, nil
}

// applyEntry executes one bundle entry against an open transaction, keeping
// the same versioning invariants as the standalone lifecycle operations.
func (l *Lifecycle) applyEntry(tx db.Tx, spec *bundleEntrySpec) (BundleEntry, error) {
	switch spec.method {
	case "POST":
		resourceType := spec.url
		collection, err := l.collection(resourceType)
		if err != nil {
			return BundleEntry{}, err
		}
		if spec.resource == nil || ResourceTypeOf(spec.resource) != resourceType {
			return BundleEntry{}, Invalidf("POST %s entry resource mismatch", spec.url)
		}
		id := ResourceIDOf(spec.resource)
		if id == "" {
			id = uuid.NewString()
			spec.resource["id"] = id
		}
		StampMeta(spec.resource, 1, nowUTC())
		if err := tx.Insert(db.ScopeResources, collection, ResourceKey(resourceType, id), spec.resource); err != nil {
			return BundleEntry{}, err
		}
		if err := tx.Insert(db.ScopeVersions, db.CollectionVersions, VersionKey(resourceType, id, 1), spec.resource); err != nil {
			return BundleEntry{}, err
		}
		return BundleEntry{Response: &BundleResponse{
			Status:   "201 Created",
			Location: ResourceKey(resourceType, id) + "/_history/1",
			Etag:     FormatETag(1),
		}}, nil

	case "PUT":
		resourceType, id, ok := SplitResourceKey(spec.url)
		if !ok {
			return BundleEntry{}, Invalidf("PUT entry url %q: want Type/id", spec.url)
		}
		collection, err := l.collection(resourceType)
		if err != nil {
			return BundleEntry{}, err
		}
		if spec.resource == nil || ResourceTypeOf(spec.resource) != resourceType {
			return BundleEntry{}, Invalidf("PUT %s entry resource mismatch", spec.url)
		}
		spec.resource["id"] = id

		key := ResourceKey(resourceType, id)
		vid := 1
		status := "201 Created"
		current, err := tx.Get(db.ScopeResources, collection, key)
		switch {
		case err == nil:
			vid = VersionOf(current) + 1
			status = "200 OK"
			StampMeta(spec.resource, vid, nowUTC())
			if err := tx.Insert(db.ScopeVersions, db.CollectionVersions, VersionKey(resourceType, id, vid), spec.resource); err != nil {
				return BundleEntry{}, err
			}
			if err := tx.Replace(db.ScopeResources, collection, key, spec.resource); err != nil {
				return BundleEntry{}, err
			}
		case KindOf(err) == KindNotFound:
			StampMeta(spec.resource, 1, nowUTC())
			if err := tx.Insert(db.ScopeResources, collection, key, spec.resource); err != nil {
				return BundleEntry{}, err
			}
			if err := tx.Insert(db.ScopeVersions, db.CollectionVersions, VersionKey(resourceType, id, 1), spec.resource); err != nil {
				return BundleEntry{}, err
			}
		default:
			return BundleEntry{}, err
		}
		return BundleEntry{Response: &BundleResponse{
			Status:   status,
			Location: fmt.Sprintf("%s/_history/%d", key, vid),
			Etag:     FormatETag(vid),
		}}, nil

	case "DELETE":
		resourceType, id, ok := SplitResourceKey(spec.url)
		if !ok {
			return BundleEntry{}, Invalidf("DELETE entry url %q: want Type/id", spec.url)
		}
		collection, err := l.collection(resourceType)
		if err != nil {
			return BundleEntry{}, err
		}
		key := ResourceKey(resourceType, id)
		current, err := tx.Get(db.ScopeResources, collection, key)
		if err != nil {
			if KindOf(err) == KindNotFound {
				return BundleEntry{Response: &BundleResponse{Status: "204 No Content"}}, nil
			}
			return BundleEntry{}, err
		}
		vid := VersionOf(current) + 1
		tomb := Tombstone(resourceType, id, vid, nowUTC())
		if err := tx.Insert(db.ScopeVersions, db.CollectionVersions, VersionKey(resourceType, id, vid), tomb); err != nil {
			return BundleEntry{}, err
		}
		if err := tx.Remove(db.ScopeResources, collection, key); err != nil {
			return BundleEntry{}, err
		}
		return BundleEntry{Response: &BundleResponse{Status: "204 No Content"}}, nil

	case "GET":
		resourceType, id, ok := SplitResourceKey(spec.url)
		if !ok {
			return BundleEntry{}, Invalidf("GET entry url %q: want Type/id", spec.url)
		}
		collection, err := l.collection(resourceType)
		if err != nil {
			return BundleEntry{}, err
		}
		doc, err := tx.Get(db.ScopeResources, collection, ResourceKey(resourceType, id))
		if err != nil {
			if KindOf(err) == KindNotFound {
				return BundleEntry{Response: &BundleResponse{
					Status:  "404 Not Found",
					Outcome: NotFoundOutcome(resourceType, id),
				}}, nil
			}
			return BundleEntry{}, err
		}
		return BundleEntry{
			Resource: doc,
			Response: &BundleResponse{Status: "200 OK", Etag: FormatETag(VersionOf(doc))},
		}, nil

	default:
		return BundleEntry{}, Invalidf("unsupported bundle entry method %q", spec.method)
	}
}

func httpStatusLine(code int) string {
	switch code {
	case 400:
		return "400 Bad Request"
	case 404:
		return "404 Not Found"
	case 409:
		return "409 Conflict"
	case 410:
		return "410 Gone"
	case 422:
		return "422 Unprocessable Entity"
	case 503:
		return "503 Service Unavailable"
	default:
		return "500 Internal Server Error"
	}
}
