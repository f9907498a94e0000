package fhir

import (
	"context"

	"github.com/couchbase/gocb/v2/search"

	"github.com/carebase/carebase/internal/platform/db"
)

// Datastore is the slice of the database gateway this package consumes.
// *db.Gateway satisfies it; tests substitute fakes.
type Datastore interface {
	Get(ctx context.Context, tenant, scope, collection, key string) (map[string]interface{}, error)
	BulkGet(ctx context.Context, tenant, scope, collection string, keys []string) ([]db.Doc, error)
	Upsert(ctx context.Context, tenant, scope, collection, key string, doc interface{}) error
	Query(ctx context.Context, tenant, statement string, params []interface{}) ([]map[string]interface{}, error)
	SearchIDs(ctx context.Context, tenant, index string, query search.Query, opts db.SearchOptions) (*db.SearchPage, error)
	InTransaction(ctx context.Context, tenant string, fn func(tx db.Tx) error) error
}
