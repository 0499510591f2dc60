package validation

import (
	"strings"
	"testing"

	"github.com/imms/imms/internal/convert"
	"github.com/imms/imms/internal/platform/fhir"
)

func TestCheckNHSNumber(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"9674963871", true},
		{"9674963872", false},
		{"967496387", false},
		{"96749638711", false},
		{"96749A3871", false},
		{"4000000110", false}, // check digit computes to 10
		{"", false},
	}
	for _, tc := range tests {
		if got := CheckNHSNumber(tc.value); got != tc.want {
			t.Errorf("CheckNHSNumber(%q): expected %v, got %v", tc.value, tc.want, got)
		}
	}
}

func cleanRow() convert.Row {
	return convert.Row{
		NHSNumber:           "9674963871",
		PersonForename:      "Sarah",
		PersonSurname:       "Greir",
		PersonDOB:           "20190131",
		PersonGenderCode:    "2",
		PersonPostcode:      "EC1A 1BB",
		DateAndTime:         "20250406T13281701",
		SiteCode:            "B0C4P",
		SiteCodeTypeURI:     "https://fhir.nhs.uk/Id/ods-organization-code",
		UniqueID:            "ACME-vacc123456",
		UniqueIDURI:         "https://supplierABC/identifiers/vacc",
		ActionFlag:          "NEW",
		RecordedDate:        "20250406",
		PrimarySource:       "TRUE",
		VaccineProductCode:  "42223111000001107",
		ExpiryDate:          "20260702",
		DoseAmount:          "0.5",
		LocationCode:        "RJC02",
		LocationCodeTypeURI: "https://fhir.nhs.uk/Id/ods-organization-code",
	}
}

func TestRowValidator_CleanRow(t *testing.T) {
	rv := NewRowValidator()
	if issues := rv.Validate(cleanRow()); len(issues) != 0 {
		t.Fatalf("expected no issues, got %v", issues)
	}
}

func TestRowValidator_EmptyRowClean(t *testing.T) {
	rv := NewRowValidator()
	if issues := rv.Validate(convert.Row{}); len(issues) != 0 {
		t.Fatalf("expected format rules to skip absent values, got %v", issues)
	}
}

func TestRowValidator_ReportsEachBadColumn(t *testing.T) {
	row := cleanRow()
	row.NHSNumber = "1234567890"
	row.PersonDOB = "2019-01-31"
	row.PersonGenderCode = "5"
	row.DateAndTime = "20250406T13281702"
	row.PrimarySource = "yes"
	row.DoseAmount = "half"
	row.UniqueIDURI = "not a uri"

	rv := NewRowValidator()
	issues := rv.Validate(row)

	fields := map[string]bool{}
	for _, issue := range issues {
		if issue.Code != CodeValue {
			t.Errorf("expected code %s, got %s for %s", CodeValue, issue.Code, issue.Field)
		}
		fields[issue.Field] = true
	}
	for _, want := range []string{
		"NHS_NUMBER", "PERSON_DOB", "PERSON_GENDER_CODE",
		"DATE_AND_TIME", "PRIMARY_SOURCE", "DOSE_AMOUNT", "UNIQUE_ID_URI",
	} {
		if !fields[want] {
			t.Errorf("expected an issue for %s, got %v", want, issues)
		}
	}
	if len(issues) != 7 {
		t.Errorf("expected 7 issues, got %d: %v", len(issues), issues)
	}
}

// =========== Resource validation ===========

func validResource(t *testing.T) *fhir.Immunization {
	t.Helper()
	imm, err := convert.Build(cleanRow())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	imm.ProtocolApplied[0].TargetDisease = []fhir.CodeableConcept{
		{Coding: []fhir.Coding{{System: fhir.SystemSNOMED, Code: "55735004"}}},
	}
	return imm
}

func TestValidateResource_Valid(t *testing.T) {
	if issues := ValidateResource(validResource(t)); len(issues) != 0 {
		t.Fatalf("expected no issues, got %v", issues)
	}
}

func TestValidateResource_TBCNHSNumber(t *testing.T) {
	imm := validResource(t)
	imm.ContainedPatient().Identifier[0].Value = ""
	if issues := ValidateResource(imm); len(issues) != 0 {
		t.Fatalf("expected a TBC NHS number to validate, got %v", issues)
	}
}

func TestValidateResource_MandatoryFields(t *testing.T) {
	issues := ValidateResource(&fhir.Immunization{ResourceType: fhir.ResourceTypeImmunization})

	fields := map[string]string{}
	for _, issue := range issues {
		fields[issue.Field] = issue.Code
	}
	for _, want := range []string{
		"status",
		"identifier[0]",
		"patient.reference",
		`contained[?(resourceType=="Patient")]`,
		"occurrenceDateTime",
		"performer",
		"vaccineCode",
		"primarySource",
		"protocolApplied[0].targetDisease",
	} {
		if code, ok := fields[want]; !ok {
			t.Errorf("expected a finding for %s", want)
		} else if code != CodeMandatory {
			t.Errorf("expected %s for %s, got %s", CodeMandatory, want, code)
		}
	}
}

func TestValidateResource_ValueFindings(t *testing.T) {
	imm := validResource(t)
	imm.Status = "active"
	imm.OccurrenceDateTime = "not-a-date"
	imm.ContainedPatient().Identifier[0].Value = "1234567890"
	imm.ContainedPatient().Gender = "none"
	imm.VaccineCode = &fhir.CodeableConcept{Coding: []fhir.Coding{{System: "https://other", Code: "X"}}}
	imm.ProtocolApplied[0].TargetDisease = []fhir.CodeableConcept{
		{Coding: []fhir.Coding{{System: "https://other", Code: "Y"}}},
	}

	issues := ValidateResource(imm)
	if len(issues) != 6 {
		t.Fatalf("expected 6 findings, got %d: %v", len(issues), issues)
	}
	for _, issue := range issues {
		if issue.Code != CodeValue {
			t.Errorf("expected %s, got %s for %s", CodeValue, issue.Code, issue.Field)
		}
	}
}

func TestValidateResource_DuplicateContainedPatient(t *testing.T) {
	imm := validResource(t)
	imm.Contained = append(imm.Contained, fhir.ContainedResource{ResourceType: "Patient", ID: "Pat2"})

	issues := ValidateResource(imm)
	found := false
	for _, issue := range issues {
		if issue.Field == "contained" && strings.Contains(issue.Message, "more than one") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a duplicate contained Patient finding, got %v", issues)
	}
}

// =========== Schema ===========

func TestSchema_CheckHeader(t *testing.T) {
	schema := DefaultSchema()

	if err := schema.CheckHeader(convert.Columns()); err != nil {
		t.Fatalf("expected canonical header to pass, got %v", err)
	}

	relaxed := convert.Columns()
	relaxed[0] = " nhs_number "
	if err := schema.CheckHeader(relaxed); err != nil {
		t.Fatalf("expected case/space-insensitive match, got %v", err)
	}

	short := convert.Columns()[:33]
	if err := schema.CheckHeader(short); err == nil {
		t.Fatal("expected an error for a short header")
	}

	swapped := convert.Columns()
	swapped[0], swapped[1] = swapped[1], swapped[0]
	err := schema.CheckHeader(swapped)
	if err == nil {
		t.Fatal("expected an error for out-of-order columns")
	}
	if !strings.Contains(err.Error(), "column 0") {
		t.Errorf("expected the mismatch position in the error, got %v", err)
	}
}

func TestSchema_ColumnsReturnsCopy(t *testing.T) {
	schema := DefaultSchema()
	cols := schema.Columns()
	cols[0] = "MUTATED"
	if schema.Columns()[0] != "NHS_NUMBER" {
		t.Fatal("expected Columns to return a copy")
	}
}
