package fhir

import (
	"strconv"
	"strings"

	"github.com/couchbase/gocb/v2/search"
)

// QuantityQuery builds the FTS clause for one quantity parameter value. The
// value is "[prefix]number[|system|code]"; only the numeric part participates
// in the range, matching on the expanded Quantity leaves' .value field. The
// ap prefix widens the match by ten percent either side.
func QuantityQuery(schema *Schema, resourceType string, expr *ParsedExpression, raw string) (search.Query, error) {
	fields, err := quantityFields(schema, resourceType, expr)
	if err != nil {
		return nil, err
	}

	var alts []search.Query
	for _, piece := range strings.Split(raw, ",") {
		prefix, number, err := parseQuantityValue(strings.TrimSpace(piece))
		if err != nil {
			return nil, err
		}
		for _, field := range fields {
			alts = append(alts, quantityRangeQuery(field, prefix, number))
		}
	}
	return disjoin(alts), nil
}

func parseQuantityValue(raw string) (prefix string, number float64, err error) {
	prefix, value := splitDatePrefix(raw)
	// Strip a trailing |system|code; the numeric part alone drives the range.
	if i := strings.Index(value, "|"); i >= 0 {
		value = value[:i]
	}
	number, perr := strconv.ParseFloat(value, 64)
	if perr != nil {
		return "", 0, Invalidf("invalid quantity value %q", raw)
	}
	return prefix, number, nil
}

func quantityRangeQuery(field, prefix string, v float64) search.Query {
	val := float32(v)
	switch prefix {
	case "lt":
		return search.NewNumericRangeQuery().Max(val, false).Field(field)
	case "le":
		return search.NewNumericRangeQuery().Max(val, true).Field(field)
	case "gt":
		return search.NewNumericRangeQuery().Min(val, false).Field(field)
	case "ge":
		return search.NewNumericRangeQuery().Min(val, true).Field(field)
	case "ne":
		return search.NewBooleanQuery().MustNot(
			search.NewNumericRangeQuery().Min(val, true).Max(val, true).Field(field),
		)
	case "ap":
		delta := float32(v * 0.1)
		if delta < 0 {
			delta = -delta
		}
		return search.NewNumericRangeQuery().Min(val-delta, true).Max(val+delta, true).Field(field)
	default: // eq
		return search.NewNumericRangeQuery().Min(val, true).Max(val, true).Field(field)
	}
}

func quantityFields(schema *Schema, resourceType string, expr *ParsedExpression) ([]string, error) {
	switch expr.Kind {
	case ExprUnion:
		var fields []string
		for _, alt := range expr.Alternatives {
			sub, err := quantityFields(schema, resourceType, alt)
			if err != nil {
				return nil, err
			}
			fields = append(fields, sub...)
		}
		return fields, nil
	case ExprExtension:
		return []string{"extension." + expr.ExtensionField + ".value"}, nil
	}

	var fields []string
	for _, v := range schema.ChoiceVariants(resourceType, expr.Path) {
		switch v.Kind {
		case KindQuantity:
			fields = append(fields, v.Field+".value")
		case KindDecimal, KindUnknown:
			fields = append(fields, v.Field)
		}
	}
	if len(fields) == 0 {
		return nil, Invalidf("no quantity-valued field behind %q", expr.Path)
	}
	return fields, nil
}
