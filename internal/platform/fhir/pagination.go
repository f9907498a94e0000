package fhir

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebase/carebase/internal/platform/db"
)

// PageState is the stored continuation state of one search. It is written
// exactly once when the first page is served and never mutated: subsequent
// pages carry their offset in the URL. Expiry is the cache collection's
// maxTTL; no explicit deletes.
type PageState struct {
	SearchType           string    `json:"searchType"`
	ResourceType         string    `json:"resourceType"`
	AllDocumentKeys      []string  `json:"allDocumentKeys"`
	PageSize             int       `json:"pageSize"`
	BucketName           string    `json:"bucketName"`
	BaseURL              string    `json:"baseUrl"`
	PrimaryResourceCount int       `json:"primaryResourceCount"`
	CreatedAt            time.Time `json:"createdAt"`
}

// PageCache stores and loads continuation state in the tenant's Admin/cache
// collection.
type PageCache struct {
	store Datastore
	log   zerolog.Logger
}

func NewPageCache(store Datastore, logger zerolog.Logger) *PageCache {
	return &PageCache{store: store, log: logger}
}

// Store writes the state under the token. Failure is non-fatal to the
// response being assembled: the caller omits the next link and we record one
// warning.
func (c *PageCache) Store(ctx context.Context, tenant, token string, state *PageState) error {
	err := c.store.Upsert(ctx, tenant, db.ScopeAdmin, db.CollectionCache, token, state)
	if err != nil {
		c.log.Warn().
			Str("tenant", tenant).
			Str("token", token).
			Err(err).
			Msg("pagination state store failed; response will have no next link")
	}
	return err
}

// Load fetches the state behind a token. Missing or expired state surfaces as
// Gone; the client restarts the search.
func (c *PageCache) Load(ctx context.Context, tenant, token string) (*PageState, error) {
	doc, err := c.store.Get(ctx, tenant, db.ScopeAdmin, db.CollectionCache, token)
	if err != nil {
		if KindOf(err) == KindUnavailable {
			return nil, err
		}
		return nil, NewError(KindGone, "search context %s has expired", token)
	}

	state := &PageState{}
	if v, ok := doc["searchType"].(string); ok {
		state.SearchType = v
	}
	if v, ok := doc["resourceType"].(string); ok {
		state.ResourceType = v
	}
	if v, ok := doc["bucketName"].(string); ok {
		state.BucketName = v
	}
	if v, ok := doc["baseUrl"].(string); ok {
		state.BaseURL = v
	}
	if v, ok := doc["pageSize"].(float64); ok {
		state.PageSize = int(v)
	}
	if v, ok := doc["primaryResourceCount"].(float64); ok {
		state.PrimaryResourceCount = int(v)
	}
	if keys, ok := doc["allDocumentKeys"].([]interface{}); ok {
		state.AllDocumentKeys = make([]string, 0, len(keys))
		for _, k := range keys {
			if s, ok := k.(string); ok {
				state.AllDocumentKeys = append(state.AllDocumentKeys, s)
			}
		}
	}
	if v, ok := doc["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			state.CreatedAt = t
		}
	}
	return state, nil
}
