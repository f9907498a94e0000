package fhir

import (
	"strings"

	"github.com/couchbase/gocb/v2/search"
)

// StringQuery builds the FTS clause for one string parameter value. The
// element is expanded to its string sub-fields (HumanName, Address and
// ContactPoint fan out; plain strings search the field itself). The default
// match is a case-insensitive prefix; :exact targets the keyword-analyzed
// *Exact sibling the index maintains for string fields.
func StringQuery(schema *Schema, resourceType string, expr *ParsedExpression, raw, modifier string) (search.Query, error) {
	if modifier != "" && modifier != "exact" {
		return nil, Invalidf("unsupported modifier %q on string parameter", modifier)
	}
	fields, err := stringFields(schema, resourceType, expr)
	if err != nil {
		return nil, err
	}

	var alts []search.Query
	for _, piece := range strings.Split(raw, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			return nil, Invalidf("empty string value in %q", raw)
		}
		for _, field := range fields {
			if modifier == "exact" {
				alts = append(alts, search.NewMatchQuery(piece).Field(field+"Exact"))
				continue
			}
			alts = append(alts, search.NewPrefixQuery(strings.ToLower(piece)).Field(field))
		}
	}
	return disjoin(alts), nil
}

func stringFields(schema *Schema, resourceType string, expr *ParsedExpression) ([]string, error) {
	switch expr.Kind {
	case ExprUnion:
		var fields []string
		for _, alt := range expr.Alternatives {
			sub, err := stringFields(schema, resourceType, alt)
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
		components := StringComponents(v.Kind)
		if components == nil {
			fields = append(fields, v.Field)
			continue
		}
		for _, c := range components {
			fields = append(fields, v.Field+"."+c)
		}
	}
	return fields, nil
}
