package fhir

import (
	"strings"
	"testing"
)

func TestNormalizeReference(t *testing.T) {
	single := SearchParamDef{Code: "patient", Type: ParamReference, Targets: []string{"Patient"}}
	multi := SearchParamDef{Code: "subject", Type: ParamReference, Targets: []string{"Patient", "Group"}}

	tests := []struct {
		name    string
		def     SearchParamDef
		value   string
		want    string
		wantErr bool
	}{
		{"qualified", multi, "Patient/123", "Patient/123", false},
		{"bare single target", single, "123", "Patient/123", false},
		{"bare ambiguous", multi, "123", "", true},
		{"empty", single, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeReference(tt.def, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeReference(%q) should fail", tt.value)
				}
				if KindOf(err) != KindInvalid {
					t.Errorf("kind = %v, want KindInvalid", KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeReference(%q): %v", tt.value, err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReferenceQueryMatchesReferenceField(t *testing.T) {
	schema := DefaultSchema()
	def, _ := schema.Param("Observation", "subject")
	expr := mustParse(t, "Observation", def.Expression)

	q, err := ReferenceQuery(schema, "Observation", def, expr, "Patient/abc")
	if err != nil {
		t.Fatalf("ReferenceQuery: %v", err)
	}
	got := queryJSON(t, q)
	if !strings.Contains(got, `"term":"Patient/abc"`) {
		t.Errorf("missing reference term: %s", got)
	}
	if !strings.Contains(got, `"field":"subject.reference"`) {
		t.Errorf("clause must target the .reference field: %s", got)
	}
}

func TestReferenceQueryBareIDSingleTarget(t *testing.T) {
	schema := DefaultSchema()
	def, _ := schema.Param("AllergyIntolerance", "patient")
	expr := mustParse(t, "AllergyIntolerance", def.Expression)

	q, err := ReferenceQuery(schema, "AllergyIntolerance", def, expr, "abc")
	if err != nil {
		t.Fatalf("ReferenceQuery: %v", err)
	}
	got := queryJSON(t, q)
	if !strings.Contains(got, `"term":"Patient/abc"`) {
		t.Errorf("bare id should pick up the single target type: %s", got)
	}
}

func TestReferenceQueryAmbiguousBareID(t *testing.T) {
	schema := DefaultSchema()
	def, _ := schema.Param("Observation", "subject")
	expr := mustParse(t, "Observation", def.Expression)

	if _, err := ReferenceQuery(schema, "Observation", def, expr, "abc"); err == nil {
		t.Error("bare id with several targets should fail")
	}
}
