package validation

import (
	"strconv"
	"time"

	"github.com/imms/imms/internal/platform/fhir"
)

// immunizationStatuses are the FHIR R4 Immunization.status codes.
var immunizationStatuses = map[string]bool{
	"completed":        true,
	"entered-in-error": true,
	"not-done":         true,
}

// ValidateResource checks the invariants storage relies on: required fields,
// cardinalities and code-system constraints. It returns every finding, nil
// for a valid resource.
//
// An absent NHS number on the contained Patient is valid (number to be
// confirmed); a present one must be well-formed and under the NHS number
// system.
func ValidateResource(imm *fhir.Immunization) []Issue {
	var issues []Issue
	mandatory := func(field string) {
		issues = append(issues, Issue{Code: CodeMandatory, Field: field, Message: field + " is mandatory"})
	}
	value := func(field, msg string) {
		issues = append(issues, Issue{Code: CodeValue, Field: field, Message: field + ": " + msg})
	}

	if imm.ResourceType != fhir.ResourceTypeImmunization {
		value("resourceType", "must be Immunization")
	}

	switch {
	case imm.Status == "":
		mandatory("status")
	case !immunizationStatuses[imm.Status]:
		value("status", "not an Immunization status code")
	}

	ident := imm.PrimaryIdentifier()
	switch {
	case ident == nil:
		mandatory("identifier[0]")
	default:
		if ident.System == "" {
			mandatory("identifier[0].system")
		}
		if ident.Value == "" {
			mandatory("identifier[0].value")
		}
	}

	if imm.Patient == nil || imm.Patient.Reference == "" {
		mandatory("patient.reference")
	}

	validatePatient(imm, mandatory, value)

	switch {
	case imm.OccurrenceDateTime == "":
		mandatory("occurrenceDateTime")
	case !parseableDateTime(imm.OccurrenceDateTime):
		value("occurrenceDateTime", "not a dateTime with seconds")
	}

	if len(imm.Performer) == 0 {
		mandatory("performer")
	}

	if imm.VaccineCode == nil {
		mandatory("vaccineCode")
	} else if fhir.SnomedCoding(imm.VaccineCode) == nil {
		value("vaccineCode.coding", "no SNOMED coding")
	}

	if imm.PrimarySource == nil {
		mandatory("primarySource")
	}

	validateTargetDisease(imm, mandatory, value)

	return issues
}

func validatePatient(imm *fhir.Immunization, mandatory func(string), value func(string, string)) {
	var patients int
	for _, c := range imm.Contained {
		if c.ResourceType == "Patient" {
			patients++
		}
	}
	switch {
	case patients == 0:
		mandatory("contained[?(resourceType==\"Patient\")]")
		return
	case patients > 1:
		value("contained", "more than one contained Patient")
	}

	patient := imm.ContainedPatient()
	for _, pid := range patient.Identifier {
		if pid.System != fhir.SystemNHSNumber {
			value("contained[?(resourceType==\"Patient\")].identifier.system", "not the NHS number system")
			continue
		}
		if pid.Value != "" && !CheckNHSNumber(pid.Value) {
			value("contained[?(resourceType==\"Patient\")].identifier.value", "not a valid NHS number")
		}
	}

	switch patient.Gender {
	case "", "male", "female", "other", "unknown":
	default:
		value("contained[?(resourceType==\"Patient\")].gender", "not an administrative-gender code")
	}
}

func validateTargetDisease(imm *fhir.Immunization, mandatory func(string), value func(string, string)) {
	if len(imm.ProtocolApplied) == 0 || len(imm.ProtocolApplied[0].TargetDisease) == 0 {
		mandatory("protocolApplied[0].targetDisease")
		return
	}
	for i, td := range imm.ProtocolApplied[0].TargetDisease {
		concept := td
		if fhir.SnomedCoding(&concept) == nil {
			value("protocolApplied[0].targetDisease", "entry "+strconv.Itoa(i)+" has no SNOMED coding")
		}
	}
}

func parseableDateTime(value string) bool {
	if _, err := time.Parse(time.RFC3339, value); err == nil {
		return true
	}
	_, err := time.Parse("2006-01-02T15:04:05", value)
	return err == nil
}
