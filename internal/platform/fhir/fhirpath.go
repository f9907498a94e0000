package fhir

import (
	"regexp"
	"strings"
)

// ExprKind tags the shape of a parsed FHIRPath expression.
type ExprKind int

const (
	ExprSimpleField ExprKind = iota
	ExprUnion
	ExprExtension
	ExprReferenceWhere
	ExprCast
)

// ParsedExpression is the result of parsing one FHIRPath search expression.
// The search helpers consume Path (relative to the document body) and, for
// unions, the Alternatives list in source order.
type ParsedExpression struct {
	Kind ExprKind

	// Path is the dotted field path relative to the resource body. For a cast
	// the choice suffix is already folded in (effective as dateTime ->
	// effectiveDateTime). Empty for unions.
	Path string

	// Alternatives holds the parsed branches of a union, in source order.
	Alternatives []*ParsedExpression

	// ExtensionURL and ExtensionField are set for extension expressions:
	// extension.where(url = '...').valueDateTime parses to the URL plus the
	// value field name.
	ExtensionURL   string
	ExtensionField string

	// TargetType is set for where(resolve() is X) reference filters and for
	// casts.
	TargetType string
}

var (
	extensionRe = regexp.MustCompile(`^(?:(\w+)\.)?extension\.where\(\s*url\s*=\s*'([^']+)'\s*\)\.(value\w*)$`)
	resolveRe   = regexp.MustCompile(`^(.+)\.where\(\s*resolve\(\)\s+is\s+(\w+)\s*\)$`)
	whereRe     = regexp.MustCompile(`^(.+)\.where\(.*\)$`)
	castParenRe = regexp.MustCompile(`^\(\s*(.+?)\s+as\s+(\w+)\s*\)$`)
	castCallRe  = regexp.MustCompile(`^(.+)\.as\(\s*(\w+)\s*\)$`)
	simpleRe    = regexp.MustCompile(`^\w+(\.\w+)*$`)
)

// ParseExpression parses a FHIRPath search expression into its tagged form.
// The resourceType prefix, when present, is stripped so the resulting path
// addresses the document body directly.
func ParseExpression(resourceType, expr string) (*ParsedExpression, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, Invalidf("empty search expression")
	}

	// Unions split at top level only; none of the supported sub-expressions
	// nest a bar inside parentheses with further bars outside, so a split on
	// unparenthesized bars suffices.
	if parts := splitUnion(expr); len(parts) > 1 {
		parsed := &ParsedExpression{Kind: ExprUnion}
		for _, part := range parts {
			sub, err := ParseExpression(resourceType, part)
			if err != nil {
				return nil, err
			}
			parsed.Alternatives = append(parsed.Alternatives, sub)
		}
		return parsed, nil
	}

	if m := castParenRe.FindStringSubmatch(expr); m != nil {
		return parseCast(resourceType, m[1], m[2])
	}
	if m := castCallRe.FindStringSubmatch(expr); m != nil {
		return parseCast(resourceType, m[1], m[2])
	}
	if m := extensionRe.FindStringSubmatch(expr); m != nil {
		return &ParsedExpression{
			Kind:           ExprExtension,
			Path:           "extension",
			ExtensionURL:   m[2],
			ExtensionField: m[3],
		}, nil
	}
	if m := resolveRe.FindStringSubmatch(expr); m != nil {
		return &ParsedExpression{
			Kind:       ExprReferenceWhere,
			Path:       stripResourcePrefix(resourceType, m[1]),
			TargetType: m[2],
		}, nil
	}
	if m := whereRe.FindStringSubmatch(expr); m != nil {
		return &ParsedExpression{
			Kind: ExprReferenceWhere,
			Path: stripResourcePrefix(resourceType, m[1]),
		}, nil
	}
	if simpleRe.MatchString(expr) {
		return &ParsedExpression{
			Kind: ExprSimpleField,
			Path: stripResourcePrefix(resourceType, expr),
		}, nil
	}
	return nil, Invalidf("unsupported search expression %q", expr)
}

func parseCast(resourceType, inner, typeName string) (*ParsedExpression, error) {
	if !simpleRe.MatchString(inner) {
		return nil, Invalidf("unsupported cast operand %q", inner)
	}
	path := stripResourcePrefix(resourceType, inner)
	return &ParsedExpression{
		Kind:       ExprCast,
		Path:       path + capitalize(typeName),
		TargetType: typeName,
	}, nil
}

// splitUnion splits an expression at bars that sit outside parentheses.
func splitUnion(expr string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case '|':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(expr[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(expr[start:]))
	return parts
}

// stripResourcePrefix removes a leading "{Type}." so paths address the body.
// Any capitalized leading segment is treated as a type prefix; body fields in
// FHIR are lower-camel.
func stripResourcePrefix(resourceType, path string) string {
	if rest, ok := strings.CutPrefix(path, resourceType+"."); ok {
		return rest
	}
	if i := strings.IndexByte(path, '.'); i > 0 {
		head := path[:i]
		if head[0] >= 'A' && head[0] <= 'Z' {
			return path[i+1:]
		}
	}
	return path
}

// DateLeaf is one concrete date-bearing field produced by choice expansion:
// either a dateTime-valued leaf or a Period whose start/end bound the range.
type DateLeaf struct {
	Field    string
	IsPeriod bool
}

// DateLeaves expands a parsed date expression into its concrete leaves using
// the schema's choice-type reflection. A dateTime variant yields one leaf; a
// Period variant yields a period leaf whose start/end the date helper bounds.
func DateLeaves(schema *Schema, resourceType string, expr *ParsedExpression) ([]DateLeaf, error) {
	if expr.Kind == ExprUnion {
		var leaves []DateLeaf
		for _, alt := range expr.Alternatives {
			sub, err := DateLeaves(schema, resourceType, alt)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, sub...)
		}
		return leaves, nil
	}

	path := expr.Path
	if expr.Kind == ExprExtension {
		path = "extension." + expr.ExtensionField
		return []DateLeaf{{Field: path}}, nil
	}

	var leaves []DateLeaf
	for _, v := range schema.ChoiceVariants(resourceType, path) {
		switch v.Kind {
		case KindPeriod:
			leaves = append(leaves, DateLeaf{Field: v.Field, IsPeriod: true})
		case KindDateTime, KindDate, KindUnknown:
			leaves = append(leaves, DateLeaf{Field: v.Field})
		}
	}
	if len(leaves) == 0 {
		return nil, Invalidf("no date-valued field behind %q", path)
	}
	return leaves, nil
}
