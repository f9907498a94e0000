package fhir

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/couchbase/gocb/v2/search"

	"github.com/carebase/carebase/internal/platform/db"
)

// BuildQuery conjoins the helper clauses under the mandatory resourceType
// term. Several FHIR types share a collection and an index, so no query may
// ever leave the type unconstrained.
func BuildQuery(resourceType string, clauses []search.Query) search.Query {
	all := make([]search.Query, 0, len(clauses)+1)
	all = append(all, search.NewTermQuery(resourceType).Field("resourceType"))
	all = append(all, clauses...)
	return conjoin(all)
}

// ParseSort translates a _sort value ("date,-_lastUpdated") into FTS sort
// fields. Each name resolves through the parameter registry to its first
// concrete leaf field; a leading minus flips the direction.
func ParseSort(schema *Schema, resourceType, raw string) ([]db.SortField, error) {
	if raw == "" {
		return nil, nil
	}
	var sorts []db.SortField
	for _, piece := range strings.Split(raw, ",") {
		piece = strings.TrimSpace(piece)
		desc := false
		if strings.HasPrefix(piece, "-") {
			desc = true
			piece = piece[1:]
		}
		if piece == "" {
			return nil, Invalidf("empty _sort component")
		}
		field, err := sortFieldOf(schema, resourceType, piece)
		if err != nil {
			return nil, err
		}
		sorts = append(sorts, db.SortField{Field: field, Descending: desc})
	}
	return sorts, nil
}

func sortFieldOf(schema *Schema, resourceType, code string) (string, error) {
	def, ok := schema.Param(resourceType, code)
	if !ok {
		return "", Invalidf("unknown _sort parameter %q for %s", code, resourceType)
	}
	expr, err := ParseExpression(resourceType, def.Expression)
	if err != nil {
		return "", err
	}
	for expr.Kind == ExprUnion {
		expr = expr.Alternatives[0]
	}
	variants := schema.ChoiceVariants(resourceType, expr.Path)
	v := variants[0]
	switch v.Kind {
	case KindPeriod:
		return v.Field + ".start", nil
	case KindHumanName:
		return v.Field + ".family", nil
	case KindQuantity:
		return v.Field + ".value", nil
	default:
		return v.Field, nil
	}
}

// QueryDSL marshals an FTS query into the map form the N1QL SEARCH()
// function accepts as a positional parameter.
func QueryDSL(q search.Query) (map[string]interface{}, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal fts query: %w", err)
	}
	var dsl map[string]interface{}
	if err := json.Unmarshal(raw, &dsl); err != nil {
		return nil, fmt.Errorf("decode fts query: %w", err)
	}
	return dsl, nil
}

// IDSearchStatement is the ID-only N1QL shape: the FTS DSL travels as the
// first positional parameter, the index binding pins which FTS index serves
// the SEARCH() call.
func IDSearchStatement(bucket, collection, index string) string {
	return fmt.Sprintf(
		"SELECT META(res).id FROM `%s`.`%s`.`%s` AS res WHERE SEARCH(res, $1, {\"index\": \"%s\"})",
		bucket, db.ScopeResources, collection, index,
	)
}

// FullDocSearchStatement selects whole documents in one round trip. Used only
// where FTS-then-KV would be strictly worse; the ID-only shape is the norm.
func FullDocSearchStatement(bucket, collection, index string) string {
	return fmt.Sprintf(
		"SELECT res.* FROM `%s`.`%s`.`%s` AS res WHERE SEARCH(res, $1, {\"index\": \"%s\"})",
		bucket, db.ScopeResources, collection, index,
	)
}

// CountSearchStatement is the accurate-total shape: the same SEARCH()
// predicate under COUNT(*).
func CountSearchStatement(bucket, collection, index string) string {
	return fmt.Sprintf(
		"SELECT COUNT(*) AS total FROM `%s`.`%s`.`%s` AS res WHERE SEARCH(res, $1, {\"index\": \"%s\"})",
		bucket, db.ScopeResources, collection, index,
	)
}
