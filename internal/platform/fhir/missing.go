package fhir

import (
	"github.com/couchbase/gocb/v2/search"
)

// MissingQuery implements the :missing modifier: a wildcard query on the
// element's primary field tests presence; missing=true inverts it.
func MissingQuery(schema *Schema, resourceType string, expr *ParsedExpression, raw string) (search.Query, error) {
	var wantMissing bool
	switch raw {
	case "true":
		wantMissing = true
	case "false":
		wantMissing = false
	default:
		return nil, Invalidf(":missing must be true or false, got %q", raw)
	}

	fields, err := presenceFields(schema, resourceType, expr)
	if err != nil {
		return nil, err
	}

	var present []search.Query
	for _, f := range fields {
		present = append(present, search.NewWildcardQuery("*").Field(f))
	}
	presence := disjoin(present)

	if wantMissing {
		return search.NewBooleanQuery().MustNot(presence), nil
	}
	return presence, nil
}

// presenceFields picks, per leaf, the field whose presence implies the
// element is populated.
func presenceFields(schema *Schema, resourceType string, expr *ParsedExpression) ([]string, error) {
	switch expr.Kind {
	case ExprUnion:
		var fields []string
		for _, alt := range expr.Alternatives {
			sub, err := presenceFields(schema, resourceType, alt)
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
		switch v.Kind {
		case KindCodeableConcept:
			fields = append(fields, v.Field+".coding.code")
		case KindCoding:
			fields = append(fields, v.Field+".code")
		case KindIdentifier:
			fields = append(fields, v.Field+".value")
		case KindReference:
			fields = append(fields, v.Field+".reference")
		case KindPeriod:
			fields = append(fields, v.Field+".start")
		case KindQuantity:
			fields = append(fields, v.Field+".value")
		case KindHumanName:
			fields = append(fields, v.Field+".family")
		case KindAddress:
			fields = append(fields, v.Field+".city")
		case KindContactPoint:
			fields = append(fields, v.Field+".value")
		default:
			fields = append(fields, v.Field)
		}
	}
	return fields, nil
}
