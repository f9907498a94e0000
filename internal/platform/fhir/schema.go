package fhir

import (
	"strings"
	"sync"
)

// ParamType is the FHIR search parameter type.
type ParamType string

const (
	ParamToken     ParamType = "token"
	ParamString    ParamType = "string"
	ParamDate      ParamType = "date"
	ParamReference ParamType = "reference"
	ParamQuantity  ParamType = "quantity"
	ParamNumber    ParamType = "number"
	ParamURI       ParamType = "uri"
)

// SearchParamDef declares one search parameter: its code, type, FHIRPath
// expression, and (for references) the allowed target types.
type SearchParamDef struct {
	Code       string
	Type       ParamType
	Expression string
	Targets    []string
}

// ElementKind classifies the on-the-wire shape of a FHIR element. Helpers
// use it to decide which sub-fields an FTS clause targets.
type ElementKind int

const (
	KindUnknown ElementKind = iota
	KindString
	KindCode
	KindURI
	KindBoolean
	KindDate
	KindDateTime
	KindDecimal
	KindHumanName
	KindAddress
	KindContactPoint
	KindIdentifier
	KindCodeableConcept
	KindCoding
	KindQuantity
	KindPeriod
	KindReference
	KindChoice
)

// ElementDef describes one element path. Choice elements ([x]) carry the
// concrete type names they may take at runtime.
type ElementDef struct {
	Kind     ElementKind
	ChoiceOf []string
}

// ChoiceVariant is one concrete realization of a choice element: the
// on-the-wire field name plus its kind.
type ChoiceVariant struct {
	Field string
	Kind  ElementKind
}

// Schema is the process-wide immutable FHIR type catalog: search parameter
// definitions per resource type plus element shape information for every
// path those parameters reference. Built once at startup and shared across
// requests.
type Schema struct {
	params   map[string]map[string]SearchParamDef // resource type -> code -> def
	elements map[string]ElementDef                // "Type.path" -> def

	mu          sync.RWMutex
	choiceCache map[string][]ChoiceVariant // "Type.path" -> expanded variants
}

// Param resolves a search parameter for a resource type. The universal
// parameters _id and _lastUpdated resolve for every type.
func (s *Schema) Param(resourceType, code string) (SearchParamDef, bool) {
	switch code {
	case "_id":
		return SearchParamDef{Code: "_id", Type: ParamToken, Expression: resourceType + ".id"}, true
	case "_lastUpdated":
		return SearchParamDef{Code: "_lastUpdated", Type: ParamDate, Expression: resourceType + ".meta.lastUpdated"}, true
	}
	defs, ok := s.params[resourceType]
	if !ok {
		return SearchParamDef{}, false
	}
	def, ok := defs[code]
	return def, ok
}

// Params returns the declared parameters of a resource type.
func (s *Schema) Params(resourceType string) map[string]SearchParamDef {
	return s.params[resourceType]
}

// ElementKindOf returns the shape of the element at the given path, relative
// to the resource body (e.g. "name.family" on "Patient").
func (s *Schema) ElementKindOf(resourceType, path string) ElementKind {
	if path == "id" {
		return KindCode
	}
	def, ok := s.elements[resourceType+"."+path]
	if !ok {
		return KindUnknown
	}
	return def.Kind
}

// ChoiceVariants enumerates the concrete variants of a choice element:
// "Observation.effective" yields effectiveDateTime, effectivePeriod, and so
// on. Non-choice paths yield a single variant of their own kind. Results are
// cached by (resourceType, path).
func (s *Schema) ChoiceVariants(resourceType, path string) []ChoiceVariant {
	cacheKey := resourceType + "." + path

	s.mu.RLock()
	cached, ok := s.choiceCache[cacheKey]
	s.mu.RUnlock()
	if ok {
		return cached
	}

	var variants []ChoiceVariant
	def, found := s.elements[cacheKey]
	switch {
	case found && def.Kind == KindChoice:
		variants = make([]ChoiceVariant, 0, len(def.ChoiceOf))
		for _, typeName := range def.ChoiceOf {
			variants = append(variants, ChoiceVariant{
				Field: path + capitalize(typeName),
				Kind:  kindOfTypeName(typeName),
			})
		}
	case found:
		variants = []ChoiceVariant{{Field: path, Kind: def.Kind}}
	default:
		variants = []ChoiceVariant{{Field: path, Kind: KindUnknown}}
	}

	s.mu.Lock()
	s.choiceCache[cacheKey] = variants
	s.mu.Unlock()
	return variants
}

// StringComponents returns the sub-fields a string search expands to for a
// composite element kind. Simple strings search the field itself.
func StringComponents(kind ElementKind) []string {
	switch kind {
	case KindHumanName:
		return []string{"family", "given", "prefix", "suffix"}
	case KindAddress:
		return []string{"line", "city", "district", "state", "postalCode", "country"}
	case KindContactPoint:
		return []string{"value"}
	default:
		return nil
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func kindOfTypeName(typeName string) ElementKind {
	switch typeName {
	case "dateTime", "instant":
		return KindDateTime
	case "date":
		return KindDate
	case "Period":
		return KindPeriod
	case "Quantity", "SimpleQuantity", "Age", "Duration":
		return KindQuantity
	case "CodeableConcept":
		return KindCodeableConcept
	case "Coding":
		return KindCoding
	case "Reference":
		return KindReference
	case "boolean":
		return KindBoolean
	case "string":
		return KindString
	case "code":
		return KindCode
	case "uri", "url", "canonical":
		return KindURI
	case "decimal", "integer":
		return KindDecimal
	default:
		return KindUnknown
	}
}

// DefaultSchema builds the catalog for the resource types the server routes.
// Field paths mirror FHIR R4 paths; the FTS indexes are provisioned with the
// same paths.
func DefaultSchema() *Schema {
	s := &Schema{
		params:      map[string]map[string]SearchParamDef{},
		elements:    map[string]ElementDef{},
		choiceCache: map[string][]ChoiceVariant{},
	}

	el := func(path string, kind ElementKind) {
		s.elements[path] = ElementDef{Kind: kind}
	}
	choice := func(path string, types ...string) {
		s.elements[path] = ElementDef{Kind: KindChoice, ChoiceOf: types}
	}
	params := func(resourceType string, defs ...SearchParamDef) {
		m := make(map[string]SearchParamDef, len(defs))
		for _, d := range defs {
			m[d.Code] = d
		}
		s.params[resourceType] = m
	}

	// Patient
	el("Patient.name", KindHumanName)
	el("Patient.name.family", KindString)
	el("Patient.name.given", KindString)
	el("Patient.identifier", KindIdentifier)
	el("Patient.birthDate", KindDate)
	el("Patient.gender", KindCode)
	el("Patient.active", KindBoolean)
	el("Patient.address", KindAddress)
	el("Patient.address.city", KindString)
	el("Patient.address.postalCode", KindString)
	el("Patient.telecom", KindContactPoint)
	el("Patient.generalPractitioner", KindReference)
	el("Patient.managingOrganization", KindReference)
	choice("Patient.deceased", "boolean", "dateTime")
	el("Patient.deceasedDateTime", KindDateTime)
	el("Patient.deceasedBoolean", KindBoolean)
	params("Patient",
		SearchParamDef{Code: "name", Type: ParamString, Expression: "Patient.name"},
		SearchParamDef{Code: "family", Type: ParamString, Expression: "Patient.name.family"},
		SearchParamDef{Code: "given", Type: ParamString, Expression: "Patient.name.given"},
		SearchParamDef{Code: "identifier", Type: ParamToken, Expression: "Patient.identifier"},
		SearchParamDef{Code: "birthdate", Type: ParamDate, Expression: "Patient.birthDate"},
		SearchParamDef{Code: "death-date", Type: ParamDate, Expression: "(Patient.deceased as dateTime)"},
		SearchParamDef{Code: "gender", Type: ParamToken, Expression: "Patient.gender"},
		SearchParamDef{Code: "active", Type: ParamToken, Expression: "Patient.active"},
		SearchParamDef{Code: "address", Type: ParamString, Expression: "Patient.address"},
		SearchParamDef{Code: "address-city", Type: ParamString, Expression: "Patient.address.city"},
		SearchParamDef{Code: "address-postalcode", Type: ParamString, Expression: "Patient.address.postalCode"},
		SearchParamDef{Code: "telecom", Type: ParamString, Expression: "Patient.telecom"},
		SearchParamDef{Code: "general-practitioner", Type: ParamReference, Expression: "Patient.generalPractitioner", Targets: []string{"Practitioner", "Organization", "PractitionerRole"}},
		SearchParamDef{Code: "organization", Type: ParamReference, Expression: "Patient.managingOrganization", Targets: []string{"Organization"}},
	)

	// Observation
	el("Observation.code", KindCodeableConcept)
	el("Observation.category", KindCodeableConcept)
	el("Observation.status", KindCode)
	el("Observation.identifier", KindIdentifier)
	el("Observation.subject", KindReference)
	el("Observation.encounter", KindReference)
	el("Observation.performer", KindReference)
	el("Observation.issued", KindDateTime)
	choice("Observation.effective", "dateTime", "Period")
	el("Observation.effectiveDateTime", KindDateTime)
	el("Observation.effectivePeriod", KindPeriod)
	choice("Observation.value", "Quantity", "CodeableConcept", "string")
	el("Observation.valueQuantity", KindQuantity)
	el("Observation.valueCodeableConcept", KindCodeableConcept)
	el("Observation.valueString", KindString)
	params("Observation",
		SearchParamDef{Code: "code", Type: ParamToken, Expression: "Observation.code"},
		SearchParamDef{Code: "category", Type: ParamToken, Expression: "Observation.category"},
		SearchParamDef{Code: "status", Type: ParamToken, Expression: "Observation.status"},
		SearchParamDef{Code: "identifier", Type: ParamToken, Expression: "Observation.identifier"},
		SearchParamDef{Code: "date", Type: ParamDate, Expression: "Observation.effective"},
		SearchParamDef{Code: "issued", Type: ParamDate, Expression: "Observation.issued"},
		SearchParamDef{Code: "value-quantity", Type: ParamQuantity, Expression: "(Observation.value as Quantity)"},
		SearchParamDef{Code: "patient", Type: ParamReference, Expression: "Observation.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		SearchParamDef{Code: "subject", Type: ParamReference, Expression: "Observation.subject", Targets: []string{"Patient", "Group", "Device", "Location"}},
		SearchParamDef{Code: "encounter", Type: ParamReference, Expression: "Observation.encounter", Targets: []string{"Encounter"}},
		SearchParamDef{Code: "performer", Type: ParamReference, Expression: "Observation.performer", Targets: []string{"Practitioner", "Organization", "PractitionerRole"}},
	)

	// Encounter
	el("Encounter.status", KindCode)
	el("Encounter.class", KindCoding)
	el("Encounter.type", KindCodeableConcept)
	el("Encounter.identifier", KindIdentifier)
	el("Encounter.period", KindPeriod)
	el("Encounter.subject", KindReference)
	el("Encounter.participant.individual", KindReference)
	el("Encounter.serviceProvider", KindReference)
	params("Encounter",
		SearchParamDef{Code: "status", Type: ParamToken, Expression: "Encounter.status"},
		SearchParamDef{Code: "class", Type: ParamToken, Expression: "Encounter.class"},
		SearchParamDef{Code: "type", Type: ParamToken, Expression: "Encounter.type"},
		SearchParamDef{Code: "identifier", Type: ParamToken, Expression: "Encounter.identifier"},
		SearchParamDef{Code: "date", Type: ParamDate, Expression: "Encounter.period"},
		SearchParamDef{Code: "patient", Type: ParamReference, Expression: "Encounter.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		SearchParamDef{Code: "subject", Type: ParamReference, Expression: "Encounter.subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Code: "participant", Type: ParamReference, Expression: "Encounter.participant.individual", Targets: []string{"Practitioner", "PractitionerRole", "RelatedPerson"}},
		SearchParamDef{Code: "service-provider", Type: ParamReference, Expression: "Encounter.serviceProvider", Targets: []string{"Organization"}},
	)

	// Condition
	el("Condition.code", KindCodeableConcept)
	el("Condition.category", KindCodeableConcept)
	el("Condition.clinicalStatus", KindCodeableConcept)
	el("Condition.verificationStatus", KindCodeableConcept)
	el("Condition.identifier", KindIdentifier)
	el("Condition.recordedDate", KindDateTime)
	el("Condition.subject", KindReference)
	el("Condition.encounter", KindReference)
	choice("Condition.onset", "dateTime", "Period")
	el("Condition.onsetDateTime", KindDateTime)
	el("Condition.onsetPeriod", KindPeriod)
	params("Condition",
		SearchParamDef{Code: "code", Type: ParamToken, Expression: "Condition.code"},
		SearchParamDef{Code: "category", Type: ParamToken, Expression: "Condition.category"},
		SearchParamDef{Code: "clinical-status", Type: ParamToken, Expression: "Condition.clinicalStatus"},
		SearchParamDef{Code: "verification-status", Type: ParamToken, Expression: "Condition.verificationStatus"},
		SearchParamDef{Code: "identifier", Type: ParamToken, Expression: "Condition.identifier"},
		SearchParamDef{Code: "onset-date", Type: ParamDate, Expression: "Condition.onset"},
		SearchParamDef{Code: "recorded-date", Type: ParamDate, Expression: "Condition.recordedDate"},
		SearchParamDef{Code: "patient", Type: ParamReference, Expression: "Condition.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		SearchParamDef{Code: "subject", Type: ParamReference, Expression: "Condition.subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Code: "encounter", Type: ParamReference, Expression: "Condition.encounter", Targets: []string{"Encounter"}},
	)

	// Procedure
	el("Procedure.code", KindCodeableConcept)
	el("Procedure.status", KindCode)
	el("Procedure.subject", KindReference)
	el("Procedure.encounter", KindReference)
	choice("Procedure.performed", "dateTime", "Period")
	el("Procedure.performedDateTime", KindDateTime)
	el("Procedure.performedPeriod", KindPeriod)
	params("Procedure",
		SearchParamDef{Code: "code", Type: ParamToken, Expression: "Procedure.code"},
		SearchParamDef{Code: "status", Type: ParamToken, Expression: "Procedure.status"},
		SearchParamDef{Code: "date", Type: ParamDate, Expression: "Procedure.performed"},
		SearchParamDef{Code: "patient", Type: ParamReference, Expression: "Procedure.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		SearchParamDef{Code: "subject", Type: ParamReference, Expression: "Procedure.subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Code: "encounter", Type: ParamReference, Expression: "Procedure.encounter", Targets: []string{"Encounter"}},
	)

	// DiagnosticReport
	el("DiagnosticReport.code", KindCodeableConcept)
	el("DiagnosticReport.status", KindCode)
	el("DiagnosticReport.identifier", KindIdentifier)
	el("DiagnosticReport.issued", KindDateTime)
	el("DiagnosticReport.subject", KindReference)
	el("DiagnosticReport.encounter", KindReference)
	choice("DiagnosticReport.effective", "dateTime", "Period")
	el("DiagnosticReport.effectiveDateTime", KindDateTime)
	el("DiagnosticReport.effectivePeriod", KindPeriod)
	params("DiagnosticReport",
		SearchParamDef{Code: "code", Type: ParamToken, Expression: "DiagnosticReport.code"},
		SearchParamDef{Code: "status", Type: ParamToken, Expression: "DiagnosticReport.status"},
		SearchParamDef{Code: "identifier", Type: ParamToken, Expression: "DiagnosticReport.identifier"},
		SearchParamDef{Code: "date", Type: ParamDate, Expression: "DiagnosticReport.effective"},
		SearchParamDef{Code: "issued", Type: ParamDate, Expression: "DiagnosticReport.issued"},
		SearchParamDef{Code: "patient", Type: ParamReference, Expression: "DiagnosticReport.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		SearchParamDef{Code: "subject", Type: ParamReference, Expression: "DiagnosticReport.subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Code: "encounter", Type: ParamReference, Expression: "DiagnosticReport.encounter", Targets: []string{"Encounter"}},
	)

	// AllergyIntolerance
	el("AllergyIntolerance.code", KindCodeableConcept)
	el("AllergyIntolerance.clinicalStatus", KindCodeableConcept)
	el("AllergyIntolerance.identifier", KindIdentifier)
	el("AllergyIntolerance.patient", KindReference)
	el("AllergyIntolerance.recordedDate", KindDateTime)
	params("AllergyIntolerance",
		SearchParamDef{Code: "code", Type: ParamToken, Expression: "AllergyIntolerance.code"},
		SearchParamDef{Code: "clinical-status", Type: ParamToken, Expression: "AllergyIntolerance.clinicalStatus"},
		SearchParamDef{Code: "identifier", Type: ParamToken, Expression: "AllergyIntolerance.identifier"},
		SearchParamDef{Code: "date", Type: ParamDate, Expression: "AllergyIntolerance.recordedDate"},
		SearchParamDef{Code: "patient", Type: ParamReference, Expression: "AllergyIntolerance.patient", Targets: []string{"Patient"}},
	)

	// MedicationRequest
	el("MedicationRequest.status", KindCode)
	el("MedicationRequest.intent", KindCode)
	el("MedicationRequest.identifier", KindIdentifier)
	el("MedicationRequest.subject", KindReference)
	el("MedicationRequest.encounter", KindReference)
	el("MedicationRequest.requester", KindReference)
	el("MedicationRequest.authoredOn", KindDateTime)
	choice("MedicationRequest.medication", "CodeableConcept", "Reference")
	el("MedicationRequest.medicationCodeableConcept", KindCodeableConcept)
	el("MedicationRequest.medicationReference", KindReference)
	params("MedicationRequest",
		SearchParamDef{Code: "status", Type: ParamToken, Expression: "MedicationRequest.status"},
		SearchParamDef{Code: "intent", Type: ParamToken, Expression: "MedicationRequest.intent"},
		SearchParamDef{Code: "code", Type: ParamToken, Expression: "(MedicationRequest.medication as CodeableConcept)"},
		SearchParamDef{Code: "identifier", Type: ParamToken, Expression: "MedicationRequest.identifier"},
		SearchParamDef{Code: "authoredon", Type: ParamDate, Expression: "MedicationRequest.authoredOn"},
		SearchParamDef{Code: "patient", Type: ParamReference, Expression: "MedicationRequest.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		SearchParamDef{Code: "subject", Type: ParamReference, Expression: "MedicationRequest.subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Code: "encounter", Type: ParamReference, Expression: "MedicationRequest.encounter", Targets: []string{"Encounter"}},
		SearchParamDef{Code: "requester", Type: ParamReference, Expression: "MedicationRequest.requester", Targets: []string{"Practitioner", "PractitionerRole", "Organization"}},
	)

	// Immunization
	el("Immunization.vaccineCode", KindCodeableConcept)
	el("Immunization.status", KindCode)
	el("Immunization.patient", KindReference)
	choice("Immunization.occurrence", "dateTime", "string")
	el("Immunization.occurrenceDateTime", KindDateTime)
	params("Immunization",
		SearchParamDef{Code: "vaccine-code", Type: ParamToken, Expression: "Immunization.vaccineCode"},
		SearchParamDef{Code: "status", Type: ParamToken, Expression: "Immunization.status"},
		SearchParamDef{Code: "date", Type: ParamDate, Expression: "Immunization.occurrence"},
		SearchParamDef{Code: "patient", Type: ParamReference, Expression: "Immunization.patient", Targets: []string{"Patient"}},
	)

	// CarePlan
	el("CarePlan.status", KindCode)
	el("CarePlan.category", KindCodeableConcept)
	el("CarePlan.subject", KindReference)
	el("CarePlan.period", KindPeriod)
	params("CarePlan",
		SearchParamDef{Code: "status", Type: ParamToken, Expression: "CarePlan.status"},
		SearchParamDef{Code: "category", Type: ParamToken, Expression: "CarePlan.category"},
		SearchParamDef{Code: "date", Type: ParamDate, Expression: "CarePlan.period"},
		SearchParamDef{Code: "patient", Type: ParamReference, Expression: "CarePlan.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		SearchParamDef{Code: "subject", Type: ParamReference, Expression: "CarePlan.subject", Targets: []string{"Patient", "Group"}},
	)

	// Practitioner
	el("Practitioner.name", KindHumanName)
	el("Practitioner.name.family", KindString)
	el("Practitioner.name.given", KindString)
	el("Practitioner.identifier", KindIdentifier)
	el("Practitioner.active", KindBoolean)
	el("Practitioner.gender", KindCode)
	params("Practitioner",
		SearchParamDef{Code: "name", Type: ParamString, Expression: "Practitioner.name"},
		SearchParamDef{Code: "family", Type: ParamString, Expression: "Practitioner.name.family"},
		SearchParamDef{Code: "given", Type: ParamString, Expression: "Practitioner.name.given"},
		SearchParamDef{Code: "identifier", Type: ParamToken, Expression: "Practitioner.identifier"},
		SearchParamDef{Code: "active", Type: ParamToken, Expression: "Practitioner.active"},
		SearchParamDef{Code: "gender", Type: ParamToken, Expression: "Practitioner.gender"},
	)

	// PractitionerRole
	el("PractitionerRole.practitioner", KindReference)
	el("PractitionerRole.organization", KindReference)
	el("PractitionerRole.specialty", KindCodeableConcept)
	el("PractitionerRole.active", KindBoolean)
	params("PractitionerRole",
		SearchParamDef{Code: "practitioner", Type: ParamReference, Expression: "PractitionerRole.practitioner", Targets: []string{"Practitioner"}},
		SearchParamDef{Code: "organization", Type: ParamReference, Expression: "PractitionerRole.organization", Targets: []string{"Organization"}},
		SearchParamDef{Code: "specialty", Type: ParamToken, Expression: "PractitionerRole.specialty"},
		SearchParamDef{Code: "active", Type: ParamToken, Expression: "PractitionerRole.active"},
	)

	// Organization
	el("Organization.name", KindString)
	el("Organization.alias", KindString)
	el("Organization.identifier", KindIdentifier)
	el("Organization.active", KindBoolean)
	el("Organization.type", KindCodeableConcept)
	el("Organization.address", KindAddress)
	el("Organization.address.city", KindString)
	params("Organization",
		SearchParamDef{Code: "name", Type: ParamString, Expression: "Organization.name | Organization.alias"},
		SearchParamDef{Code: "identifier", Type: ParamToken, Expression: "Organization.identifier"},
		SearchParamDef{Code: "active", Type: ParamToken, Expression: "Organization.active"},
		SearchParamDef{Code: "type", Type: ParamToken, Expression: "Organization.type"},
		SearchParamDef{Code: "address", Type: ParamString, Expression: "Organization.address"},
		SearchParamDef{Code: "address-city", Type: ParamString, Expression: "Organization.address.city"},
	)

	// Location
	el("Location.name", KindString)
	el("Location.status", KindCode)
	el("Location.address", KindAddress)
	el("Location.address.city", KindString)
	params("Location",
		SearchParamDef{Code: "name", Type: ParamString, Expression: "Location.name"},
		SearchParamDef{Code: "status", Type: ParamToken, Expression: "Location.status"},
		SearchParamDef{Code: "address", Type: ParamString, Expression: "Location.address"},
		SearchParamDef{Code: "address-city", Type: ParamString, Expression: "Location.address.city"},
	)

	// RelatedPerson
	el("RelatedPerson.name", KindHumanName)
	el("RelatedPerson.identifier", KindIdentifier)
	el("RelatedPerson.patient", KindReference)
	params("RelatedPerson",
		SearchParamDef{Code: "name", Type: ParamString, Expression: "RelatedPerson.name"},
		SearchParamDef{Code: "identifier", Type: ParamToken, Expression: "RelatedPerson.identifier"},
		SearchParamDef{Code: "patient", Type: ParamReference, Expression: "RelatedPerson.patient", Targets: []string{"Patient"}},
	)

	return s
}
