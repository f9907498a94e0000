package fhir

import (
	"strings"
	"time"

	"github.com/couchbase/gocb/v2/search"
)

// datePrefixes are the comparison prefixes a date value may carry.
var datePrefixes = []string{"eq", "ne", "lt", "le", "gt", "ge", "ap"}

// dateRange is the inclusive [start, end] interval a search value denotes at
// its stated precision: "2020" spans the year, "2020-05-03" the day, a full
// dateTime collapses to a point.
type dateRange struct {
	prefix string
	start  time.Time
	end    time.Time
}

func splitDatePrefix(raw string) (prefix, value string) {
	for _, p := range datePrefixes {
		if strings.HasPrefix(raw, p) && len(raw) > 2 {
			return p, raw[2:]
		}
	}
	return "eq", raw
}

func parseDateValue(raw string) (dateRange, error) {
	prefix, value := splitDatePrefix(raw)
	r := dateRange{prefix: prefix}

	layouts := []struct {
		layout string
		span   func(t time.Time) time.Time
	}{
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0).Add(-time.Second) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0).Add(-time.Second) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1).Add(-time.Second) }},
		{"2006-01-02T15:04:05Z07:00", func(t time.Time) time.Time { return t }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t }},
	}
	for _, l := range layouts {
		t, err := time.Parse(l.layout, value)
		if err != nil {
			continue
		}
		r.start = t.UTC()
		r.end = l.span(t).UTC()
		return r, nil
	}
	return dateRange{}, Invalidf("invalid date value %q", value)
}

// DateQuery builds the FTS clause for one date parameter value. The target
// expression is expanded through choice-type reflection: dateTime leaves take
// a plain range query, Period leaves take an overlap query on start/end.
// Multiple leaves disjoin; comma-separated values disjoin likewise.
func DateQuery(schema *Schema, resourceType string, expr *ParsedExpression, raw string) (search.Query, error) {
	leaves, err := DateLeaves(schema, resourceType, expr)
	if err != nil {
		return nil, err
	}

	var alts []search.Query
	for _, piece := range strings.Split(raw, ",") {
		r, err := parseDateValue(strings.TrimSpace(piece))
		if err != nil {
			return nil, err
		}
		for _, leaf := range leaves {
			if leaf.IsPeriod {
				alts = append(alts, periodQuery(leaf.Field, r))
				continue
			}
			alts = append(alts, dateTimeQuery(leaf.Field, r))
		}
	}
	return disjoin(alts), nil
}

func dateTimeQuery(field string, r dateRange) search.Query {
	s := r.start.Format(time.RFC3339)
	e := r.end.Format(time.RFC3339)
	switch r.prefix {
	case "lt":
		return search.NewDateRangeQuery().End(s, false).Field(field)
	case "le":
		return search.NewDateRangeQuery().End(e, true).Field(field)
	case "gt":
		return search.NewDateRangeQuery().Start(e, false).Field(field)
	case "ge":
		return search.NewDateRangeQuery().Start(s, true).Field(field)
	case "ne":
		return search.NewBooleanQuery().MustNot(
			search.NewDateRangeQuery().Start(s, true).End(e, true).Field(field),
		)
	default: // eq, ap
		return search.NewDateRangeQuery().Start(s, true).End(e, true).Field(field)
	}
}

// periodQuery matches Periods against the search range. Equality means
// overlap: the period starts no later than the range ends and ends no earlier
// than the range starts. Open comparisons bound a single side.
func periodQuery(field string, r dateRange) search.Query {
	s := r.start.Format(time.RFC3339)
	e := r.end.Format(time.RFC3339)
	startField, endField := field+".start", field+".end"

	overlap := search.NewConjunctionQuery(
		search.NewDateRangeQuery().End(e, true).Field(startField),
		search.NewDateRangeQuery().Start(s, true).Field(endField),
	)
	switch r.prefix {
	case "gt", "ge":
		return search.NewDateRangeQuery().Start(s, true).Field(startField)
	case "lt", "le":
		return search.NewDateRangeQuery().End(e, true).Field(endField)
	case "ne":
		return search.NewBooleanQuery().MustNot(overlap)
	default: // eq, ap
		return overlap
	}
}
