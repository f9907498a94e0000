package fhir

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/couchbase/gocb/v2/search"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebase/carebase/internal/platform/db"
)

// EngineConfig carries the search tunables.
type EngineConfig struct {
	PageSize        int      // default page size when _count is absent
	FTSLimit        int      // safety cap on keys per FTS round trip
	EverythingTypes []string // resource types scanned by Patient/$everything
}

// Engine orchestrates searches: parameter classification, FTS dispatch,
// include/revinclude/chain passes, materialization, and pagination.
type Engine struct {
	store  Datastore
	router *db.Router
	schema *Schema
	cache  *PageCache
	cfg    EngineConfig
	log    zerolog.Logger
}

func NewEngine(store Datastore, router *db.Router, schema *Schema, cache *PageCache, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.FTSLimit <= 0 {
		cfg.FTSLimit = 1000
	}
	return &Engine{store: store, router: router, schema: schema, cache: cache, cfg: cfg, log: logger}
}

// SearchRequest is one type-level search.
type SearchRequest struct {
	Tenant       string
	ResourceType string
	Params       url.Values
	BaseURL      string // request base, e.g. https://host/fhir/demo/Patient
}

// searchControls are the result-control parameters split away from filters.
type searchControls struct {
	count     int
	offset    int
	page      string
	sort      string
	summary   string
	total     string
	includes  []string
	revs      []string
	filterRaw map[string][]string // param (with modifier) -> raw values
}

func (e *Engine) parseControls(params url.Values) (*searchControls, error) {
	c := &searchControls{
		count:     e.cfg.PageSize,
		filterRaw: map[string][]string{},
	}
	for name, values := range params {
		switch name {
		case "_count":
			n, err := strconv.Atoi(values[0])
			if err != nil || n <= 0 {
				return nil, Invalidf("invalid _count %q", values[0])
			}
			c.count = n
		case "_offset":
			n, err := strconv.Atoi(values[0])
			if err != nil || n < 0 {
				return nil, Invalidf("invalid _offset %q", values[0])
			}
			c.offset = n
		case "_page":
			c.page = values[0]
		case "_sort":
			c.sort = values[0]
		case "_summary":
			switch values[0] {
			case "true", "text", "data":
				c.summary = values[0]
			default:
				return nil, Invalidf("invalid _summary %q", values[0])
			}
		case "_total":
			switch values[0] {
			case "none", "estimate", "accurate":
				c.total = values[0]
			default:
				return nil, Invalidf("invalid _total %q", values[0])
			}
		case "_include":
			c.includes = append(c.includes, values...)
		case "_revinclude":
			c.revs = append(c.revs, values...)
		default:
			c.filterRaw[name] = values
		}
	}
	return c, nil
}

// Search runs one type-level search and returns the searchset bundle.
func (e *Engine) Search(ctx context.Context, req *SearchRequest) (*Bundle, error) {
	if !e.router.Supports(req.ResourceType) {
		return nil, Invalidf("unknown resource type %q", req.ResourceType)
	}
	controls, err := e.parseControls(req.Params)
	if err != nil {
		return nil, err
	}
	if controls.page != "" {
		return e.continueSearch(ctx, req, controls)
	}
	return e.freshSearch(ctx, req, controls)
}

// continueSearch serves a page from stored state: slice the key list, fetch,
// assemble. The state itself never changes.
func (e *Engine) continueSearch(ctx context.Context, req *SearchRequest, c *searchControls) (*Bundle, error) {
	state, err := e.cache.Load(ctx, req.Tenant, c.page)
	if err != nil {
		return nil, err
	}

	keys := state.AllDocumentKeys
	from := c.offset
	if from > len(keys) {
		from = len(keys)
	}
	to := from + c.count
	if to > len(keys) {
		to = len(keys)
	}

	docs, err := e.fetchDocs(ctx, req.Tenant, keys[from:to], nil)
	if err != nil {
		return nil, err
	}

	entries := make([]searchEntry, 0, to-from)
	for i, key := range keys[from:to] {
		doc, ok := docs[key]
		if !ok {
			continue
		}
		mode := "match"
		if from+i >= state.PrimaryResourceCount {
			mode = "include"
		}
		entries = append(entries, searchEntry{doc: e.project(doc, c.summary), mode: mode})
	}

	total := state.PrimaryResourceCount
	links := searchLinks(SearchLinkParams{
		BaseURL:   state.BaseURL,
		PageToken: c.page,
		Offset:    from,
		Count:     c.count,
		TotalKeys: len(keys),
	})
	return newSearchBundle(entries, &total, links), nil
}

// freshSearch runs the primary FTS, the include passes, materializes the
// first page, and stores continuation state when more keys remain.
func (e *Engine) freshSearch(ctx context.Context, req *SearchRequest, c *searchControls) (*Bundle, error) {
	clauses, err := e.filterClauses(ctx, req.Tenant, req.ResourceType, c.filterRaw)
	if err != nil {
		return nil, err
	}
	sorts, err := ParseSort(e.schema, req.ResourceType, c.sort)
	if err != nil {
		return nil, err
	}

	query := BuildQuery(req.ResourceType, clauses)
	index, err := e.router.FTSIndex(req.ResourceType)
	if err != nil {
		return nil, err
	}
	page, err := e.store.SearchIDs(ctx, req.Tenant, index, query, db.SearchOptions{
		Limit: e.cfg.FTSLimit,
		Sort:  sorts,
	})
	if err != nil {
		return nil, err
	}
	primaryKeys := page.IDs

	// Includes need the primary documents; fetch them all once and reuse the
	// map for page materialization.
	docs, err := e.fetchDocs(ctx, req.Tenant, primaryKeys, nil)
	if err != nil {
		return nil, err
	}
	// Drop keys the FTS knew but KV no longer holds.
	live := primaryKeys[:0]
	for _, k := range primaryKeys {
		if _, ok := docs[k]; ok {
			live = append(live, k)
		}
	}
	primaryKeys = live

	includeKeys, err := e.includePass(ctx, req.Tenant, primaryKeys, docs, c.includes)
	if err != nil {
		return nil, err
	}
	revKeys, err := e.revincludePass(ctx, req.Tenant, req.ResourceType, primaryKeys, c.revs)
	if err != nil {
		return nil, err
	}

	allKeys := append(append([]string{}, primaryKeys...), dedupeKeys(append(includeKeys, revKeys...), primaryKeys)...)

	total, err := e.resolveTotal(ctx, req, c, query, len(primaryKeys), page.Total)
	if err != nil {
		return nil, err
	}

	// Store continuation state only when a further page exists; the store
	// failing costs the next link, nothing else.
	token := ""
	if len(allKeys) > c.count {
		token = uuid.NewString()
		state := &PageState{
			SearchType:           "regular",
			ResourceType:         req.ResourceType,
			AllDocumentKeys:      allKeys,
			PageSize:             c.count,
			BucketName:           req.Tenant,
			BaseURL:              req.BaseURL,
			PrimaryResourceCount: len(primaryKeys),
			CreatedAt:            nowUTC(),
		}
		if err := e.cache.Store(ctx, req.Tenant, token, state); err != nil {
			token = ""
		}
	}

	pageKeys := allKeys
	if len(pageKeys) > c.count {
		pageKeys = pageKeys[:c.count]
	}
	docs, err = e.fetchDocs(ctx, req.Tenant, pageKeys, docs)
	if err != nil {
		return nil, err
	}

	entries := make([]searchEntry, 0, len(pageKeys))
	for i, key := range pageKeys {
		doc, ok := docs[key]
		if !ok {
			continue
		}
		mode := "match"
		if i >= len(primaryKeys) {
			mode = "include"
		}
		entries = append(entries, searchEntry{doc: e.project(doc, c.summary), mode: mode})
	}

	links := searchLinks(SearchLinkParams{
		BaseURL:   req.BaseURL,
		PageToken: token,
		Offset:    0,
		Count:     c.count,
		TotalKeys: len(allKeys),
	})
	return newSearchBundle(entries, total, links), nil
}

// filterClauses dispatches each primary parameter to its typed helper.
// Repeated parameters conjoin; commas within a value disjoin inside the
// helper. Chained parameters resolve to a key-set clause here.
func (e *Engine) filterClauses(ctx context.Context, tenant, resourceType string, raw map[string][]string) ([]search.Query, error) {
	var clauses []search.Query
	for name, values := range raw {
		base, modifier := splitModifier(name)

		if strings.Contains(base, ".") {
			for _, v := range values {
				q, err := e.chainClause(ctx, tenant, resourceType, base, v)
				if err != nil {
					return nil, err
				}
				clauses = append(clauses, q)
			}
			continue
		}

		def, ok := e.schema.Param(resourceType, base)
		if !ok {
			return nil, Invalidf("unknown search parameter %q for %s", base, resourceType)
		}
		expr, err := ParseExpression(resourceType, def.Expression)
		if err != nil {
			return nil, err
		}

		for _, v := range values {
			q, err := e.paramClause(resourceType, def, expr, v, modifier)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, q)
		}
	}
	return clauses, nil
}

func (e *Engine) paramClause(resourceType string, def SearchParamDef, expr *ParsedExpression, value, modifier string) (search.Query, error) {
	if modifier == "missing" {
		return MissingQuery(e.schema, resourceType, expr, value)
	}
	switch def.Type {
	case ParamToken:
		return TokenQuery(e.schema, resourceType, expr, value, modifier)
	case ParamString:
		return StringQuery(e.schema, resourceType, expr, value, modifier)
	case ParamDate:
		return DateQuery(e.schema, resourceType, expr, value)
	case ParamReference:
		return ReferenceQuery(e.schema, resourceType, def, expr, value)
	case ParamQuantity, ParamNumber:
		return QuantityQuery(e.schema, resourceType, expr, value)
	default:
		return nil, Invalidf("unsupported parameter type %q for %s", def.Type, def.Code)
	}
}

// chainClause resolves A?b.c=v: search every declared target of b with c=v,
// then constrain b.reference to the matched keys.
func (e *Engine) chainClause(ctx context.Context, tenant, resourceType, name, value string) (search.Query, error) {
	dot := strings.Index(name, ".")
	refCode, chained := name[:dot], name[dot+1:]

	refDef, ok := e.schema.Param(resourceType, refCode)
	if !ok || refDef.Type != ParamReference {
		return nil, Invalidf("chained parameter %q: %s is not a reference parameter of %s", name, refCode, resourceType)
	}
	refExpr, err := ParseExpression(resourceType, refDef.Expression)
	if err != nil {
		return nil, err
	}

	var keys []string
	searched := 0
	for _, target := range refDef.Targets {
		if !e.router.Supports(target) {
			continue
		}
		targetDef, ok := e.schema.Param(target, chained)
		if !ok {
			continue
		}
		searched++
		targetExpr, err := ParseExpression(target, targetDef.Expression)
		if err != nil {
			return nil, err
		}
		clause, err := e.paramClause(target, targetDef, targetExpr, value, "")
		if err != nil {
			return nil, err
		}
		index, err := e.router.FTSIndex(target)
		if err != nil {
			return nil, err
		}
		page, err := e.store.SearchIDs(ctx, tenant, index, BuildQuery(target, []search.Query{clause}), db.SearchOptions{Limit: e.cfg.FTSLimit})
		if err != nil {
			return nil, err
		}
		keys = append(keys, page.IDs...)
	}
	if searched == 0 {
		return nil, Invalidf("chained parameter %q: no target of %s declares %q", name, refCode, chained)
	}
	if len(keys) == 0 {
		// Every target search ran and found nothing: the clause matches
		// nothing, the search itself is fine.
		return search.NewMatchNoneQuery(), nil
	}

	fields, err := referenceFields(e.schema, resourceType, refExpr)
	if err != nil {
		return nil, err
	}
	var alts []search.Query
	for _, key := range keys {
		for _, field := range fields {
			alts = append(alts, search.NewTermQuery(key).Field(field+".reference"))
		}
	}
	return disjoin(alts), nil
}

// includePass follows references out of the primary documents. The directive
// form is "Type:param"; extracted references are fetched in one bulk round
// trip per directive and deduped against everything already present.
func (e *Engine) includePass(ctx context.Context, tenant string, primaryKeys []string, docs map[string]map[string]interface{}, directives []string) ([]string, error) {
	if len(directives) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []string

	for _, directive := range directives {
		srcType, code, err := splitIncludeDirective(directive)
		if err != nil {
			return nil, err
		}
		def, ok := e.schema.Param(srcType, code)
		if !ok || def.Type != ParamReference {
			return nil, Invalidf("_include %q: %s is not a reference parameter of %s", directive, code, srcType)
		}
		expr, err := ParseExpression(srcType, def.Expression)
		if err != nil {
			return nil, err
		}
		fields, err := referenceFields(e.schema, srcType, expr)
		if err != nil {
			return nil, err
		}

		for _, key := range primaryKeys {
			doc, ok := docs[key]
			if !ok || ResourceTypeOf(doc) != srcType {
				continue
			}
			for _, field := range fields {
				for _, ref := range extractReferences(doc, field) {
					if !seen[ref] {
						seen[ref] = true
						out = append(out, ref)
					}
				}
			}
		}
	}
	return out, nil
}

// revincludePass finds resources of another type whose reference parameter
// points at any primary key.
func (e *Engine) revincludePass(ctx context.Context, tenant, primaryType string, primaryKeys []string, directives []string) ([]string, error) {
	if len(directives) == 0 || len(primaryKeys) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []string

	for _, directive := range directives {
		srcType, code, err := splitIncludeDirective(directive)
		if err != nil {
			return nil, err
		}
		def, ok := e.schema.Param(srcType, code)
		if !ok || def.Type != ParamReference {
			return nil, Invalidf("_revinclude %q: %s is not a reference parameter of %s", directive, code, srcType)
		}
		expr, err := ParseExpression(srcType, def.Expression)
		if err != nil {
			return nil, err
		}
		fields, err := referenceFields(e.schema, srcType, expr)
		if err != nil {
			return nil, err
		}

		var alts []search.Query
		for _, key := range primaryKeys {
			for _, field := range fields {
				alts = append(alts, search.NewTermQuery(key).Field(field+".reference"))
			}
		}

		index, err := e.router.FTSIndex(srcType)
		if err != nil {
			return nil, err
		}
		page, err := e.store.SearchIDs(ctx, tenant, index, BuildQuery(srcType, []search.Query{disjoin(alts)}), db.SearchOptions{Limit: e.cfg.FTSLimit})
		if err != nil {
			return nil, err
		}
		for _, id := range page.IDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// resolveTotal computes the bundle total per _total. Accurate runs the N1QL
// count shape over the same FTS predicate; estimate reuses the index total;
// none omits it. The default reports the primary count the engine already
// knows.
func (e *Engine) resolveTotal(ctx context.Context, req *SearchRequest, c *searchControls, query search.Query, primaryCount int, ftsTotal uint64) (*int, error) {
	switch c.total {
	case "none":
		return nil, nil
	case "estimate":
		n := int(ftsTotal)
		return &n, nil
	case "accurate":
		collection, err := e.router.TargetCollection(req.ResourceType)
		if err != nil {
			return nil, err
		}
		index, err := e.router.FTSIndex(req.ResourceType)
		if err != nil {
			return nil, err
		}
		dsl, err := QueryDSL(query)
		if err != nil {
			return nil, err
		}
		rows, err := e.store.Query(ctx, req.Tenant, CountSearchStatement(req.Tenant, collection, index), []interface{}{dsl})
		if err != nil {
			return nil, err
		}
		n := 0
		if len(rows) > 0 {
			if v, ok := rows[0]["total"].(float64); ok {
				n = int(v)
			}
		}
		return &n, nil
	default:
		return &primaryCount, nil
	}
}

// fetchDocs bulk-fetches keys not already in the base map, returning the
// merged map. Documents routed to different collections fetch per collection.
func (e *Engine) fetchDocs(ctx context.Context, tenant string, keys []string, base map[string]map[string]interface{}) (map[string]map[string]interface{}, error) {
	if base == nil {
		base = map[string]map[string]interface{}{}
	}
	byCollection := map[string][]string{}
	for _, key := range keys {
		if _, ok := base[key]; ok {
			continue
		}
		rt, _, ok := SplitResourceKey(key)
		if !ok {
			continue
		}
		collection, err := e.router.TargetCollection(rt)
		if err != nil {
			continue
		}
		byCollection[collection] = append(byCollection[collection], key)
	}
	for collection, ks := range byCollection {
		docs, err := e.store.BulkGet(ctx, tenant, db.ScopeResources, collection, ks)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if IsTombstone(d.Body) {
				continue
			}
			base[d.Key] = d.Body
		}
	}
	return base, nil
}

// project applies the _summary projection. Entries never alias stored maps
// after projection.
func (e *Engine) project(doc map[string]interface{}, summary string) map[string]interface{} {
	switch summary {
	case "text":
		out := map[string]interface{}{}
		for _, k := range []string{"resourceType", "id", "meta", "text"} {
			if v, ok := doc[k]; ok {
				out[k] = v
			}
		}
		return out
	case "data", "true":
		out := CloneDoc(doc)
		delete(out, "text")
		return out
	default:
		return doc
	}
}

func splitModifier(name string) (base, modifier string) {
	if i := strings.Index(name, ":"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

func splitIncludeDirective(directive string) (resourceType, code string, err error) {
	parts := strings.Split(directive, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", Invalidf("invalid include directive %q: want Type:parameter", directive)
	}
	return parts[0], parts[1], nil
}

// extractReferences walks a dotted field path through maps and arrays,
// collecting .reference strings at the leaves.
func extractReferences(doc map[string]interface{}, path string) []string {
	var refs []string
	var walk func(node interface{}, segs []string)
	walk = func(node interface{}, segs []string) {
		switch v := node.(type) {
		case []interface{}:
			for _, item := range v {
				walk(item, segs)
			}
		case map[string]interface{}:
			if len(segs) == 0 {
				if ref, ok := v["reference"].(string); ok && ref != "" {
					refs = append(refs, ref)
				}
				return
			}
			if next, ok := v[segs[0]]; ok {
				walk(next, segs[1:])
			}
		}
	}
	walk(doc, strings.Split(path, "."))
	return refs
}

// dedupeKeys filters keys already present in exclude, preserving order and
// uniqueness.
func dedupeKeys(keys, exclude []string) []string {
	seen := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		seen[k] = true
	}
	var out []string
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
