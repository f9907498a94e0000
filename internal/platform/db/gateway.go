package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/couchbase/gocb/v2/search"
	"github.com/rs/zerolog"
)

// Connect opens the cluster connection used by the gateway.
func Connect(connStr, username, password string) (*gocb.Cluster, error) {
	cluster, err := gocb.Connect(connStr, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect cluster: %w", err)
	}
	return cluster, nil
}

// SortField is one sort directive for an FTS request.
type SortField struct {
	Field      string
	Descending bool
}

// SearchOptions carries paging and ordering for an FTS request.
type SearchOptions struct {
	Limit int
	Skip  int
	Sort  []SortField
}

// SearchPage is the result of an ID-only FTS request: the matched document
// keys in index order plus the index-reported total.
type SearchPage struct {
	IDs   []string
	Total uint64
}

// Tx is the slice of a multi-document transaction attempt exposed to
// callers. All operations address documents by (scope, collection, key)
// within the tenant bucket the transaction was opened on.
type Tx interface {
	Get(scope, collection, key string) (map[string]interface{}, error)
	Insert(scope, collection, key string, doc interface{}) error
	Replace(scope, collection, key string, doc interface{}) error
	Remove(scope, collection, key string) error
}

// Gateway is the single public surface for all database access: KV, N1QL,
// FTS, and multi-document transactions. Every call runs under the shared
// circuit breaker so that connectivity failures fail fast process-wide.
type Gateway struct {
	cluster *gocb.Cluster
	breaker *Breaker
	log     zerolog.Logger

	mu      sync.RWMutex
	buckets map[string]*gocb.Bucket
}

// NewGateway wraps a connected cluster.
func NewGateway(cluster *gocb.Cluster, breaker *Breaker, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cluster: cluster,
		breaker: breaker,
		log:     logger,
		buckets: make(map[string]*gocb.Bucket),
	}
}

// bucket returns the tenant's bucket handle, opening it on first use.
func (g *Gateway) bucket(tenant string) (*gocb.Bucket, error) {
	g.mu.RLock()
	b, ok := g.buckets[tenant]
	g.mu.RUnlock()
	if ok {
		return b, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buckets[tenant]; ok {
		return b, nil
	}

	b = g.cluster.Bucket(tenant)
	if err := b.WaitUntilReady(5*time.Second, nil); err != nil {
		if IsConnectivityError(err) {
			return nil, errors.Join(ErrUnavailable, err)
		}
		return nil, fmt.Errorf("open bucket %s: %w", tenant, err)
	}
	g.buckets[tenant] = b
	return b, nil
}

// Collection returns a KV handle for (tenant, scope, collection). The handle
// itself is cheap; the circuit check here makes downstream KV calls through
// gateway methods fail fast while the circuit is open.
func (g *Gateway) Collection(tenant, scope, collection string) (*gocb.Collection, error) {
	if g.breaker.IsOpen() {
		return nil, ErrUnavailable
	}
	b, err := g.bucket(tenant)
	if err != nil {
		return nil, err
	}
	return b.Scope(scope).Collection(collection), nil
}

// Get fetches one document by key. A missing key surfaces as
// gocb.ErrDocumentNotFound; it is a result-class error and does not touch
// the circuit.
func (g *Gateway) Get(ctx context.Context, tenant, scope, collection, key string) (map[string]interface{}, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		col, err := g.Collection(tenant, scope, collection)
		if err != nil {
			return nil, err
		}
		gr, err := col.Get(key, &gocb.GetOptions{Context: ctx})
		if err != nil {
			return nil, err
		}
		var doc map[string]interface{}
		if err := gr.Content(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]interface{}), nil
}

// Doc is one key/body pair from a bulk fetch.
type Doc struct {
	Key  string
	Body map[string]interface{}
}

// bulkGetWorkers bounds KV fan-out per bulk fetch.
const bulkGetWorkers = 16

// BulkGet fetches many documents by key, preserving the input order and
// silently skipping keys that no longer exist. The fan-out is bounded so a
// large page cannot flood the KV connection.
func (g *Gateway) BulkGet(ctx context.Context, tenant, scope, collection string, keys []string) ([]Doc, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	col, err := g.Collection(tenant, scope, collection)
	if err != nil {
		return nil, err
	}

	type slot struct {
		body map[string]interface{}
		err  error
	}
	slots := make([]slot, len(keys))
	sem := make(chan struct{}, bulkGetWorkers)
	var wg sync.WaitGroup

	for i, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, key string) {
			defer wg.Done()
			defer func() { <-sem }()
			gr, err := col.Get(key, &gocb.GetOptions{Context: ctx})
			if err != nil {
				slots[i].err = err
				return
			}
			slots[i].err = gr.Content(&slots[i].body)
		}(i, key)
	}
	wg.Wait()

	out := make([]Doc, 0, len(keys))
	for i, key := range keys {
		if err := slots[i].err; err != nil {
			if errors.Is(err, gocb.ErrDocumentNotFound) {
				continue
			}
			if IsConnectivityError(err) {
				// Record the failure through the breaker so the circuit opens.
				return nil, g.breaker.Do(func() error { return err })
			}
			return nil, fmt.Errorf("bulk get %s: %w", key, err)
		}
		out = append(out, Doc{Key: key, Body: slots[i].body})
	}
	return out, nil
}

// Upsert writes one document. Collection-level TTL applies; no per-document
// expiry is set here.
func (g *Gateway) Upsert(ctx context.Context, tenant, scope, collection, key string, doc interface{}) error {
	return g.breaker.Do(func() error {
		col, err := g.Collection(tenant, scope, collection)
		if err != nil {
			return err
		}
		_, err = col.Upsert(key, doc, &gocb.UpsertOptions{Context: ctx})
		return err
	})
}

// Query runs a N1QL statement against the cluster and drains the result into
// row maps.
func (g *Gateway) Query(ctx context.Context, tenant, statement string, params []interface{}) ([]map[string]interface{}, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		result, err := g.cluster.Query(statement, &gocb.QueryOptions{
			PositionalParameters: params,
			Context:              ctx,
		})
		if err != nil {
			return nil, err
		}
		defer result.Close()

		var rows []map[string]interface{}
		for result.Next() {
			var row map[string]interface{}
			if err := result.Row(&row); err != nil {
				return nil, fmt.Errorf("decode query row: %w", err)
			}
			rows = append(rows, row)
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.([]map[string]interface{}), nil
}

// SearchIDs runs an FTS request against the named index and returns the
// matched document keys in index order plus the index-reported total.
func (g *Gateway) SearchIDs(ctx context.Context, tenant, index string, query search.Query, opts SearchOptions) (*SearchPage, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		sortSpec := make([]search.Sort, 0, len(opts.Sort))
		for _, s := range opts.Sort {
			sortSpec = append(sortSpec, search.NewSearchSortField(s.Field).Descending(s.Descending))
		}

		result, err := g.cluster.SearchQuery(index, query, &gocb.SearchOptions{
			Limit:   uint32(opts.Limit),
			Skip:    uint32(opts.Skip),
			Sort:    sortSpec,
			Context: ctx,
		})
		if err != nil {
			return nil, err
		}

		page := &SearchPage{}
		for result.Next() {
			page.IDs = append(page.IDs, result.Row().ID)
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
		if meta, err := result.MetaData(); err == nil {
			page.Total = meta.Metrics.TotalRows
		}
		return page, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*SearchPage), nil
}

// InTransaction runs fn inside one multi-document transaction on the
// tenant's bucket. Returning an error from fn rolls everything back.
// Conflicting writers are serialized by the database; losers surface the
// database's conflict error to the caller, which owns retry policy.
func (g *Gateway) InTransaction(ctx context.Context, tenant string, fn func(tx Tx) error) error {
	if g.breaker.IsOpen() {
		return ErrUnavailable
	}
	b, err := g.bucket(tenant)
	if err != nil {
		return err
	}

	return g.breaker.Do(func() error {
		_, err := g.cluster.Transactions().Run(func(attempt *gocb.TransactionAttemptContext) error {
			return fn(&gocbTx{bucket: b, attempt: attempt, docs: make(map[string]*gocb.TransactionGetResult)})
		}, nil)
		return err
	})
}

// gocbTx adapts a gocb transaction attempt to the Tx interface. Replace and
// Remove need the TransactionGetResult of a prior Get, so results are cached
// by document address.
type gocbTx struct {
	bucket  *gocb.Bucket
	attempt *gocb.TransactionAttemptContext
	docs    map[string]*gocb.TransactionGetResult
}

func (t *gocbTx) collection(scope, collection string) *gocb.Collection {
	return t.bucket.Scope(scope).Collection(collection)
}

func txKey(scope, collection, key string) string {
	return scope + "/" + collection + "/" + key
}

func (t *gocbTx) Get(scope, collection, key string) (map[string]interface{}, error) {
	gr, err := t.attempt.Get(t.collection(scope, collection), key)
	if err != nil {
		return nil, err
	}
	t.docs[txKey(scope, collection, key)] = gr

	var doc map[string]interface{}
	if err := gr.Content(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, nil
}

func (t *gocbTx) Insert(scope, collection, key string, doc interface{}) error {
	_, err := t.attempt.Insert(t.collection(scope, collection), key, doc)
	return err
}

func (t *gocbTx) Replace(scope, collection, key string, doc interface{}) error {
	gr, ok := t.docs[txKey(scope, collection, key)]
	if !ok {
		var err error
		gr, err = t.attempt.Get(t.collection(scope, collection), key)
		if err != nil {
			return err
		}
	}
	ngr, err := t.attempt.Replace(gr, doc)
	if err != nil {
		return err
	}
	t.docs[txKey(scope, collection, key)] = ngr
	return nil
}

func (t *gocbTx) Remove(scope, collection, key string) error {
	gr, ok := t.docs[txKey(scope, collection, key)]
	if !ok {
		var err error
		gr, err = t.attempt.Get(t.collection(scope, collection), key)
		if err != nil {
			return err
		}
	}
	delete(t.docs, txKey(scope, collection, key))
	return t.attempt.Remove(gr)
}

// Ping probes the tenant bucket's KV and query services.
func (g *Gateway) Ping(ctx context.Context, tenant string) error {
	b, err := g.bucket(tenant)
	if err != nil {
		return err
	}
	_, err = b.Ping(&gocb.PingOptions{
		ServiceTypes: []gocb.ServiceType{gocb.ServiceTypeKeyValue, gocb.ServiceTypeQuery},
		Context:      ctx,
	})
	return err
}

// IsAvailable actively probes the database for the given tenant. It is the
// readiness hook: circuit open, or a failing probe, means not available.
func (g *Gateway) IsAvailable(ctx context.Context, tenant string) bool {
	if g.breaker.IsOpen() {
		return false
	}
	return g.breaker.Do(func() error { return g.Ping(ctx, tenant) }) == nil
}

// IsCircuitOpen reports circuit state for the health component.
func (g *Gateway) IsCircuitOpen() bool { return g.breaker.IsOpen() }

// LastFailure reports the last connectivity failure for the health detail.
func (g *Gateway) LastFailure() time.Time { return g.breaker.LastFailure() }

// ResetCircuit forces the circuit closed; the next call probes the database.
func (g *Gateway) ResetCircuit() { g.breaker.Reset() }
