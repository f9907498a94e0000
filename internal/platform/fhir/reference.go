package fhir

import (
	"strings"

	"github.com/couchbase/gocb/v2/search"
)

// NormalizeReference resolves a reference search value to "Type/id". A bare
// id is acceptable only when the parameter declares exactly one target type;
// with several targets the value is ambiguous and rejected.
func NormalizeReference(def SearchParamDef, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", Invalidf("empty reference value for %s", def.Code)
	}
	if strings.Contains(value, "/") {
		return value, nil
	}
	switch len(def.Targets) {
	case 1:
		return def.Targets[0] + "/" + value, nil
	case 0:
		return "", Invalidf("parameter %s has no declared target type for bare id %q", def.Code, value)
	default:
		return "", Invalidf("ambiguous reference %q for %s: qualify with a resource type", value, def.Code)
	}
}

// ReferenceQuery builds the FTS clause for one reference parameter value:
// a term match of the normalized "Type/id" against the path's reference
// field. Comma-separated values disjoin.
func ReferenceQuery(schema *Schema, resourceType string, def SearchParamDef, expr *ParsedExpression, raw string) (search.Query, error) {
	fields, err := referenceFields(schema, resourceType, expr)
	if err != nil {
		return nil, err
	}

	var alts []search.Query
	for _, piece := range strings.Split(raw, ",") {
		ref, err := NormalizeReference(def, piece)
		if err != nil {
			return nil, err
		}
		for _, field := range fields {
			alts = append(alts, search.NewTermQuery(ref).Field(field+".reference"))
		}
	}
	return disjoin(alts), nil
}

func referenceFields(schema *Schema, resourceType string, expr *ParsedExpression) ([]string, error) {
	switch expr.Kind {
	case ExprUnion:
		var fields []string
		for _, alt := range expr.Alternatives {
			sub, err := referenceFields(schema, resourceType, alt)
			if err != nil {
				return nil, err
			}
			fields = append(fields, sub...)
		}
		return fields, nil
	case ExprExtension:
		return []string{"extension." + expr.ExtensionField}, nil
	}

	var fields []string
	for _, v := range schema.ChoiceVariants(resourceType, expr.Path) {
		fields = append(fields, v.Field)
	}
	return fields, nil
}
