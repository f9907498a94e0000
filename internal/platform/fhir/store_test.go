package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/couchbase/gocb/v2"
	"github.com/couchbase/gocb/v2/search"

	"github.com/carebase/carebase/internal/platform/db"
)

// fakeStore is an in-memory Datastore for tests. Documents are addressed by
// "tenant/scope/collection/key"; FTS behavior is injected per test through
// searchFn.
type fakeStore struct {
	mu   sync.Mutex
	docs map[string]map[string]interface{}

	searchFn  func(index string, query search.Query, opts db.SearchOptions) (*db.SearchPage, error)
	queryFn   func(statement string, params []interface{}) ([]map[string]interface{}, error)
	upsertErr error
	getErr    error
	txErr     error

	searchQueries []string // marshaled queries, in call order
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[string]map[string]interface{}{}}
}

func storeKey(tenant, scope, collection, key string) string {
	return fmt.Sprintf("%s/%s/%s/%s", tenant, scope, collection, key)
}

func (f *fakeStore) seed(tenant, scope, collection, key string, doc map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[storeKey(tenant, scope, collection, key)] = doc
}

func (f *fakeStore) has(tenant, scope, collection, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[storeKey(tenant, scope, collection, key)]
	return ok
}

func (f *fakeStore) get(tenant, scope, collection, key string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[storeKey(tenant, scope, collection, key)]
}

func (f *fakeStore) Get(_ context.Context, tenant, scope, collection, key string) (map[string]interface{}, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[storeKey(tenant, scope, collection, key)]
	if !ok {
		return nil, gocb.ErrDocumentNotFound
	}
	return CloneDoc(doc), nil
}

func (f *fakeStore) BulkGet(_ context.Context, tenant, scope, collection string, keys []string) ([]db.Doc, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Doc
	for _, key := range keys {
		if doc, ok := f.docs[storeKey(tenant, scope, collection, key)]; ok {
			out = append(out, db.Doc{Key: key, Body: CloneDoc(doc)})
		}
	}
	return out, nil
}

func (f *fakeStore) Upsert(_ context.Context, tenant, scope, collection, key string, doc interface{}) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	body, ok := doc.(map[string]interface{})
	if !ok {
		// Structs (e.g. PageState) round-trip through JSON in the real
		// gateway; tests only need presence, so store a marker plus the raw
		// value.
		body = map[string]interface{}{"_raw": doc}
	}
	f.seed(tenant, scope, collection, key, body)
	return nil
}

func (f *fakeStore) Query(_ context.Context, _ string, statement string, params []interface{}) ([]map[string]interface{}, error) {
	if f.queryFn != nil {
		return f.queryFn(statement, params)
	}
	return nil, nil
}

func (f *fakeStore) SearchIDs(_ context.Context, _ string, index string, query search.Query, opts db.SearchOptions) (*db.SearchPage, error) {
	f.searchQueries = append(f.searchQueries, mustMarshalQuery(query))
	if f.searchFn != nil {
		return f.searchFn(index, query, opts)
	}
	return &db.SearchPage{}, nil
}

func (f *fakeStore) InTransaction(_ context.Context, tenant string, fn func(tx db.Tx) error) error {
	if f.txErr != nil {
		return f.txErr
	}
	// Stage writes and apply on success, mirroring rollback semantics.
	tx := &fakeTx{store: f, tenant: tenant, staged: map[string]map[string]interface{}{}, removed: map[string]bool{}}
	if err := fn(tx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, doc := range tx.staged {
		f.docs[key] = doc
	}
	for key := range tx.removed {
		delete(f.docs, key)
	}
	return nil
}

type fakeTx struct {
	store   *fakeStore
	tenant  string
	staged  map[string]map[string]interface{}
	removed map[string]bool
}

func (t *fakeTx) addr(scope, collection, key string) string {
	return storeKey(t.tenant, scope, collection, key)
}

func (t *fakeTx) Get(scope, collection, key string) (map[string]interface{}, error) {
	addr := t.addr(scope, collection, key)
	if t.removed[addr] {
		return nil, gocb.ErrDocumentNotFound
	}
	if doc, ok := t.staged[addr]; ok {
		return CloneDoc(doc), nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	doc, ok := t.store.docs[addr]
	if !ok {
		return nil, gocb.ErrDocumentNotFound
	}
	return CloneDoc(doc), nil
}

func (t *fakeTx) Insert(scope, collection, key string, doc interface{}) error {
	addr := t.addr(scope, collection, key)
	if !t.removed[addr] {
		if _, ok := t.staged[addr]; ok {
			return gocb.ErrDocumentExists
		}
		t.store.mu.Lock()
		_, exists := t.store.docs[addr]
		t.store.mu.Unlock()
		if exists {
			return gocb.ErrDocumentExists
		}
	}
	delete(t.removed, addr)
	t.staged[addr] = doc.(map[string]interface{})
	return nil
}

func (t *fakeTx) Replace(scope, collection, key string, doc interface{}) error {
	if _, err := t.Get(scope, collection, key); err != nil {
		return err
	}
	t.staged[t.addr(scope, collection, key)] = doc.(map[string]interface{})
	return nil
}

func (t *fakeTx) Remove(scope, collection, key string) error {
	if _, err := t.Get(scope, collection, key); err != nil {
		return err
	}
	addr := t.addr(scope, collection, key)
	delete(t.staged, addr)
	t.removed[addr] = true
	return nil
}

func mustMarshalQuery(q search.Query) string {
	raw, err := json.Marshal(q)
	if err != nil {
		return ""
	}
	return string(raw)
}
