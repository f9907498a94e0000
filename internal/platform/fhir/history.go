package fhir

import (
	"context"
	"time"

	"github.com/couchbase/gocb/v2/search"

	"github.com/carebase/carebase/internal/platform/db"
)

// defaultHistoryCount bounds an unqualified history request.
const defaultHistoryCount = 100

// versionHistoryQuery matches the stored versions of one resource, optionally
// cut off below _since.
func versionHistoryQuery(resourceType, id, since string) search.Query {
	clauses := []search.Query{
		search.NewTermQuery(resourceType).Field("resourceType"),
		search.NewTermQuery(id).Field("id"),
	}
	if since != "" {
		clauses = append(clauses, search.NewDateRangeQuery().Start(since, true).Field("meta.lastUpdated"))
	}
	return conjoin(clauses)
}

// History returns the instance history bundle, newest first. Version
// documents live in the Versions collection for every write, so one FTS over
// the versions index plus a bulk fetch covers the whole history, deleted
// resources included.
func (l *Lifecycle) History(ctx context.Context, tenant, resourceType, id, since string, count int, baseURL string) (*Bundle, error) {
	if _, err := l.collection(resourceType); err != nil {
		return nil, err
	}
	if since != "" {
		if _, err := time.Parse(time.RFC3339, since); err != nil {
			return nil, Invalidf("invalid _since value %q", since)
		}
	}
	if count <= 0 {
		count = defaultHistoryCount
	}

	page, err := l.store.SearchIDs(ctx, tenant, db.VersionsIndex,
		versionHistoryQuery(resourceType, id, since),
		db.SearchOptions{
			Limit: count,
			Sort:  []db.SortField{{Field: "meta.lastUpdated", Descending: true}},
		})
	if err != nil {
		return nil, err
	}
	if len(page.IDs) == 0 {
		return nil, NewError(KindNotFound, "%s/%s not found", resourceType, id)
	}

	docs, err := l.store.BulkGet(ctx, tenant, db.ScopeVersions, db.CollectionVersions, page.IDs)
	if err != nil {
		return nil, err
	}

	versions := make([]map[string]interface{}, 0, len(docs))
	for _, d := range docs {
		versions = append(versions, d.Body)
	}
	return NewHistoryBundle(resourceType, id, versions, baseURL), nil
}
