package fhir

import (
	"strings"

	"github.com/couchbase/gocb/v2/search"
)

// tokenLeaf describes where a token value lives relative to the element path:
// the code field and, when the element carries one, the system field.
type tokenLeaf struct {
	codeField   string
	systemField string
	boolean     bool
}

func tokenLeafOf(kind ElementKind, path string) tokenLeaf {
	switch kind {
	case KindCodeableConcept:
		return tokenLeaf{codeField: path + ".coding.code", systemField: path + ".coding.system"}
	case KindCoding:
		return tokenLeaf{codeField: path + ".code", systemField: path + ".system"}
	case KindIdentifier:
		return tokenLeaf{codeField: path + ".value", systemField: path + ".system"}
	case KindBoolean:
		return tokenLeaf{codeField: path, boolean: true}
	default:
		// code, uri, string, id and anything untyped match on the leaf itself.
		return tokenLeaf{codeField: path}
	}
}

// TokenQuery builds the FTS clause for one token parameter value. The raw
// value may be comma-separated (disjunction) and each piece may carry a
// system: "system|code" matches both, "code" matches regardless of system,
// and a trailing "system|" or "|code" pins the system present/absent side.
// The :not modifier negates the whole clause.
func TokenQuery(schema *Schema, resourceType string, expr *ParsedExpression, raw, modifier string) (search.Query, error) {
	if modifier != "" && modifier != "not" {
		return nil, Invalidf("unsupported modifier %q on token parameter", modifier)
	}
	leaves, err := tokenLeaves(schema, resourceType, expr)
	if err != nil {
		return nil, err
	}

	var alts []search.Query
	for _, piece := range strings.Split(raw, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			return nil, Invalidf("empty token value in %q", raw)
		}
		for _, leaf := range leaves {
			q, err := tokenPieceQuery(leaf, piece)
			if err != nil {
				return nil, err
			}
			alts = append(alts, q)
		}
	}

	q := disjoin(alts)
	if modifier == "not" {
		return search.NewBooleanQuery().MustNot(q), nil
	}
	return q, nil
}

func tokenLeaves(schema *Schema, resourceType string, expr *ParsedExpression) ([]tokenLeaf, error) {
	switch expr.Kind {
	case ExprUnion:
		var leaves []tokenLeaf
		for _, alt := range expr.Alternatives {
			sub, err := tokenLeaves(schema, resourceType, alt)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, sub...)
		}
		return leaves, nil
	case ExprExtension:
		return []tokenLeaf{{codeField: "extension." + expr.ExtensionField}}, nil
	default:
		var leaves []tokenLeaf
		for _, v := range schema.ChoiceVariants(resourceType, expr.Path) {
			leaves = append(leaves, tokenLeafOf(v.Kind, v.Field))
		}
		return leaves, nil
	}
}

func tokenPieceQuery(leaf tokenLeaf, piece string) (search.Query, error) {
	if leaf.boolean {
		switch piece {
		case "true":
			return search.NewBooleanFieldQuery(true).Field(leaf.codeField), nil
		case "false":
			return search.NewBooleanFieldQuery(false).Field(leaf.codeField), nil
		default:
			return nil, Invalidf("boolean token must be true or false, got %q", piece)
		}
	}

	bar := strings.Index(piece, "|")
	if bar < 0 {
		// Code only: match regardless of system.
		return search.NewTermQuery(piece).Field(leaf.codeField), nil
	}

	system, code := piece[:bar], piece[bar+1:]
	switch {
	case leaf.systemField == "":
		// Primitive leaf has no system side to match against.
		if code == "" {
			return nil, Invalidf("system-only token %q on a primitive field", piece)
		}
		return search.NewTermQuery(code).Field(leaf.codeField), nil
	case system != "" && code != "":
		return search.NewConjunctionQuery(
			search.NewTermQuery(system).Field(leaf.systemField),
			search.NewTermQuery(code).Field(leaf.codeField),
		), nil
	case system != "":
		// "system|": any code within the system.
		return search.NewTermQuery(system).Field(leaf.systemField), nil
	default:
		// "|code": code present, system absent.
		return search.NewConjunctionQuery(
			search.NewTermQuery(code).Field(leaf.codeField),
			search.NewBooleanQuery().MustNot(
				search.NewWildcardQuery("*").Field(leaf.systemField),
			),
		), nil
	}
}

// disjoin folds clauses into a single query, avoiding a one-armed
// disjunction.
func disjoin(qs []search.Query) search.Query {
	if len(qs) == 1 {
		return qs[0]
	}
	return search.NewDisjunctionQuery(qs...)
}

// conjoin is the conjunction counterpart of disjoin.
func conjoin(qs []search.Query) search.Query {
	if len(qs) == 1 {
		return qs[0]
	}
	return search.NewConjunctionQuery(qs...)
}
