package fhir

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebase/carebase/internal/platform/db"
)

// defaultConflictRetries bounds transactional retry on write collisions.
const defaultConflictRetries = 3

func nowUTC() time.Time { return time.Now().UTC() }

// Lifecycle implements create/read/update/patch/delete and vread. Every
// write runs in one multi-document transaction that keeps the invariant:
// versions 1..N exist in the Versions collection and the current document
// carries versionId N.
type Lifecycle struct {
	store   Datastore
	router  *db.Router
	retries int
	log     zerolog.Logger
}

func NewLifecycle(store Datastore, router *db.Router, retries int, logger zerolog.Logger) *Lifecycle {
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	return &Lifecycle{store: store, router: router, retries: retries, log: logger}
}

func (l *Lifecycle) collection(resourceType string) (string, error) {
	if !l.router.Supports(resourceType) {
		return "", Invalidf("unknown resource type %q", resourceType)
	}
	return l.router.TargetCollection(resourceType)
}

// withConflictRetry reruns fn on write collisions, with jitter between
// attempts. This is the only place conflicts are retried.
func (l *Lifecycle) withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < l.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(rand.Intn(50)+10) * time.Millisecond):
			}
		}
		err = fn()
		if err == nil || KindOf(err) != KindConflict {
			return err
		}
		l.log.Debug().Int("attempt", attempt+1).Msg("write conflict, retrying")
	}
	return WrapError(KindConflict, err, "write conflict persisted after retries")
}

// Create stores a new resource with a server-assigned id at version 1.
func (l *Lifecycle) Create(ctx context.Context, tenant, resourceType string, body map[string]interface{}) (map[string]interface{}, error) {
	collection, err := l.collection(resourceType)
	if err != nil {
		return nil, err
	}
	if rt := ResourceTypeOf(body); rt != resourceType {
		return nil, NewError(KindValidation, "body resourceType %q does not match %s", rt, resourceType)
	}

	id := uuid.NewString()
	body["id"] = id
	StampMeta(body, 1, nowUTC())

	err = l.store.InTransaction(ctx, tenant, func(tx db.Tx) error {
		if err := tx.Insert(db.ScopeResources, collection, ResourceKey(resourceType, id), body); err != nil {
			return err
		}
		return tx.Insert(db.ScopeVersions, db.CollectionVersions, VersionKey(resourceType, id, 1), body)
	})
	if err != nil {
		if KindOf(err) == KindConflict {
			return nil, WrapError(KindConflict, err, resourceType+"/"+id+" already exists")
		}
		return nil, err
	}
	return body, nil
}

// Read fetches the current version. A key absent from Resources is checked
// against the version store: a tombstoned latest version means Gone, no
// versions at all means NotFound.
func (l *Lifecycle) Read(ctx context.Context, tenant, resourceType, id string) (map[string]interface{}, error) {
	collection, err := l.collection(resourceType)
	if err != nil {
		return nil, err
	}
	doc, err := l.store.Get(ctx, tenant, db.ScopeResources, collection, ResourceKey(resourceType, id))
	if err == nil {
		if IsTombstone(doc) {
			return nil, NewError(KindGone, "%s/%s has been deleted", resourceType, id)
		}
		return doc, nil
	}
	if KindOf(err) != KindNotFound {
		return nil, err
	}

	latest, lerr := l.latestVersion(ctx, tenant, resourceType, id)
	if lerr == nil && latest != nil && IsTombstone(latest) {
		return nil, NewError(KindGone, "%s/%s has been deleted", resourceType, id)
	}
	return nil, NewError(KindNotFound, "%s/%s not found", resourceType, id)
}

// latestVersion fetches the newest version document, or nil when none exist.
func (l *Lifecycle) latestVersion(ctx context.Context, tenant, resourceType, id string) (map[string]interface{}, error) {
	page, err := l.store.SearchIDs(ctx, tenant, db.VersionsIndex,
		versionHistoryQuery(resourceType, id, ""),
		db.SearchOptions{
			Limit: 1,
			Sort:  []db.SortField{{Field: "meta.lastUpdated", Descending: true}},
		})
	if err != nil || len(page.IDs) == 0 {
		return nil, err
	}
	return l.store.Get(ctx, tenant, db.ScopeVersions, db.CollectionVersions, page.IDs[0])
}

// Update replaces the current version, or creates the resource at version 1
// when the id is new. Returns the stored document and whether it was created.
func (l *Lifecycle) Update(ctx context.Context, tenant, resourceType, id string, body map[string]interface{}) (map[string]interface{}, bool, error) {
	collection, err := l.collection(resourceType)
	if err != nil {
		return nil, false, err
	}
	if rt := ResourceTypeOf(body); rt != resourceType {
		return nil, false, NewError(KindValidation, "body resourceType %q does not match %s", rt, resourceType)
	}
	body["id"] = id

	created := false
	err = l.withConflictRetry(ctx, func() error {
		created = false
		return l.store.InTransaction(ctx, tenant, func(tx db.Tx) error {
			key := ResourceKey(resourceType, id)
			current, err := tx.Get(db.ScopeResources, collection, key)
			if err != nil {
				if KindOf(err) != KindNotFound {
					return err
				}
				created = true
				StampMeta(body, 1, nowUTC())
				if err := tx.Insert(db.ScopeResources, collection, key, body); err != nil {
					return err
				}
				return tx.Insert(db.ScopeVersions, db.CollectionVersions, VersionKey(resourceType, id, 1), body)
			}

			next := VersionOf(current) + 1
			StampMeta(body, next, nowUTC())
			if err := tx.Insert(db.ScopeVersions, db.CollectionVersions, VersionKey(resourceType, id, next), body); err != nil {
				return err
			}
			return tx.Replace(db.ScopeResources, collection, key, body)
		})
	})
	if err != nil {
		return nil, false, err
	}
	return body, created, nil
}

// Patch applies an RFC 6902 patch to the current body and commits the result
// as the next version, all within one transaction.
func (l *Lifecycle) Patch(ctx context.Context, tenant, resourceType, id string, patchBody []byte) (map[string]interface{}, error) {
	collection, err := l.collection(resourceType)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(patchBody)
	if err != nil {
		return nil, WrapError(KindInvalid, err, "invalid JSON patch")
	}

	var result map[string]interface{}
	err = l.withConflictRetry(ctx, func() error {
		return l.store.InTransaction(ctx, tenant, func(tx db.Tx) error {
			key := ResourceKey(resourceType, id)
			current, err := tx.Get(db.ScopeResources, collection, key)
			if err != nil {
				if KindOf(err) == KindNotFound {
					return NewError(KindNotFound, "%s/%s not found", resourceType, id)
				}
				return err
			}

			raw, err := json.Marshal(current)
			if err != nil {
				return err
			}
			patched, err := patch.Apply(raw)
			if err != nil {
				return WrapError(KindInvalid, err, "patch failed to apply")
			}
			var next map[string]interface{}
			if err := json.Unmarshal(patched, &next); err != nil {
				return WrapError(KindInvalid, err, "patch produced invalid JSON")
			}
			if rt := ResourceTypeOf(next); rt != resourceType {
				return NewError(KindValidation, "patch may not change resourceType")
			}
			next["id"] = id

			vid := VersionOf(current) + 1
			StampMeta(next, vid, nowUTC())
			if err := tx.Insert(db.ScopeVersions, db.CollectionVersions, VersionKey(resourceType, id, vid), next); err != nil {
				return err
			}
			if err := tx.Replace(db.ScopeResources, collection, key, next); err != nil {
				return err
			}
			result = next
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete writes a tombstone as the next version and removes the current
// document. Reads afterwards return Gone; vread of prior versions still
// works.
func (l *Lifecycle) Delete(ctx context.Context, tenant, resourceType, id string) error {
	collection, err := l.collection(resourceType)
	if err != nil {
		return err
	}

	return l.withConflictRetry(ctx, func() error {
		return l.store.InTransaction(ctx, tenant, func(tx db.Tx) error {
			key := ResourceKey(resourceType, id)
			current, err := tx.Get(db.ScopeResources, collection, key)
			if err != nil {
				if KindOf(err) == KindNotFound {
					return NewError(KindNotFound, "%s/%s not found", resourceType, id)
				}
				return err
			}

			vid := VersionOf(current) + 1
			tomb := Tombstone(resourceType, id, vid, nowUTC())
			if err := tx.Insert(db.ScopeVersions, db.CollectionVersions, VersionKey(resourceType, id, vid), tomb); err != nil {
				return err
			}
			return tx.Remove(db.ScopeResources, collection, key)
		})
	})
}

// VRead fetches one stored version directly by key.
func (l *Lifecycle) VRead(ctx context.Context, tenant, resourceType, id string, versionID int) (map[string]interface{}, error) {
	if _, err := l.collection(resourceType); err != nil {
		return nil, err
	}
	doc, err := l.store.Get(ctx, tenant, db.ScopeVersions, db.CollectionVersions, VersionKey(resourceType, id, versionID))
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, NewError(KindNotFound, "%s/%s version %d not found", resourceType, id, versionID)
		}
		return nil, err
	}
	return doc, nil
}
