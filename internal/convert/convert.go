package convert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/imms/imms/internal/platform/fhir"
)

// Defaults substituted when a source field cannot supply a value.
const (
	// DefaultPostcode stands in when no usable patient address exists. The
	// search filter reuses it to obfuscate postcodes on the way out.
	DefaultPostcode = "ZZ99 3CZ"

	// DefaultLocationCode and DefaultLocationSystem stand in for an absent
	// location identifier.
	DefaultLocationCode   = "X99999"
	DefaultLocationSystem = fhir.SystemODSOrganizationCode
)

// extractor accumulates per-field diagnostics while pulling columns out of a
// resource. A failed field is reported and left empty; extraction never
// stops.
type extractor struct {
	errs []ConversionError
}

// fail records one diagnostic quoting the conversion path of the field that
// could not be converted.
func (e *extractor) fail(path string, err error) {
	e.errs = append(e.errs, ConversionError{
		Code:    CodeParsingError,
		Message: fmt.Sprintf("%s: %v", path, err),
	})
}

func (e *extractor) date(path, value string) string {
	out, err := toDate(value)
	if err != nil {
		e.fail(path, err)
		return ""
	}
	return out
}

func (e *extractor) dateTime(path, value string) string {
	out, err := toDateTime(value)
	if err != nil {
		e.fail(path, err)
		return ""
	}
	return out
}

func (e *extractor) gender(value string) string {
	switch value {
	case "":
		return ""
	case "male":
		return "1"
	case "female":
		return "2"
	case "other":
		return "9"
	case "unknown":
		return "0"
	}
	e.fail(`contained[?(resourceType=="Patient")].gender`, fmt.Errorf("unmapped gender %q", value))
	return ""
}

// ToFlat projects an Immunization resource onto the flat row. It is total:
// a field that cannot be converted yields a PARSING_ERROR diagnostic and an
// empty column, and extraction continues. Absent fields are empty columns
// with no diagnostic. The returned slice is also carried on the row so the
// pipeline envelope needs only the row.
func ToFlat(imm *fhir.Immunization) (Row, []ConversionError) {
	e := &extractor{}
	at := occurrenceTime(imm.OccurrenceDateTime)

	var row Row

	if ident := imm.PrimaryIdentifier(); ident != nil {
		row.UniqueID = ident.Value
		row.UniqueIDURI = ident.System
	}
	row.NHSNumber = imm.NHSNumber()

	row.PersonPostcode = DefaultPostcode
	if patient := imm.ContainedPatient(); patient != nil {
		if name := selectName(patient.Name, at); name != nil {
			row.PersonForename = strings.Join(name.Given, " ")
			row.PersonSurname = name.Family
		}
		row.PersonDOB = e.date(`contained[?(resourceType=="Patient")].birthDate`, patient.BirthDate)
		row.PersonGenderCode = e.gender(patient.Gender)
		if addr := selectAddress(patient.Address, at); addr != nil {
			row.PersonPostcode = addr.PostalCode
		}
	}

	row.DateAndTime = e.dateTime("occurrenceDateTime", imm.OccurrenceDateTime)
	row.RecordedDate = e.date("recorded", imm.Recorded)
	row.ExpiryDate = e.date("expirationDate", imm.ExpirationDate)

	if ident := selectPerformerIdentifier(imm.Performer); ident != nil {
		row.SiteCode = ident.Value
		row.SiteCodeTypeURI = ident.System
	}

	if pract := imm.ContainedPractitioner(); pract != nil {
		if name := selectPractitionerName(pract.Name, at); name != nil {
			row.PerformingProfessionalForename = strings.Join(name.Given, " ")
			row.PerformingProfessionalSurname = name.Family
		}
	}

	if imm.PrimarySource != nil {
		if *imm.PrimarySource {
			row.PrimarySource = "TRUE"
		} else {
			row.PrimarySource = "FALSE"
		}
	}

	if ext := imm.FindExtension(fhir.ExtensionVaccinationProcedure); ext != nil {
		if coding := fhir.SnomedCoding(ext.ValueCodeableConcept); coding != nil {
			row.VaccinationProcedureCode = coding.Code
			row.VaccinationProcedureTerm = coding.Display
		}
	}

	if len(imm.ProtocolApplied) > 0 {
		pa := &imm.ProtocolApplied[0]
		switch {
		case pa.DoseNumberPositiveInt != nil:
			row.DoseSequence = strconv.Itoa(*pa.DoseNumberPositiveInt)
		case pa.DoseNumberString != "":
			row.DoseSequence = pa.DoseNumberString
		}
	}

	if coding := fhir.SnomedCoding(imm.VaccineCode); coding != nil {
		row.VaccineProductCode = coding.Code
		row.VaccineProductTerm = coding.Display
	}
	if imm.Manufacturer != nil {
		row.VaccineManufacturer = imm.Manufacturer.Display
	}
	row.BatchNumber = imm.LotNumber

	if coding := fhir.SnomedCoding(imm.Site); coding != nil {
		row.SiteOfVaccinationCode = coding.Code
		row.SiteOfVaccinationTerm = coding.Display
	}
	if coding := fhir.SnomedCoding(imm.Route); coding != nil {
		row.RouteOfVaccinationCode = coding.Code
		row.RouteOfVaccinationTerm = coding.Display
	}

	if dq := imm.DoseQuantity; dq != nil {
		if dq.Value != nil {
			row.DoseAmount = dq.Value.String()
		}
		row.DoseUnitCode = dq.Code
		row.DoseUnitTerm = dq.Unit
	}

	if len(imm.ReasonCode) > 0 && len(imm.ReasonCode[0].Coding) > 0 {
		row.IndicationCode = imm.ReasonCode[0].Coding[0].Code
	}

	row.LocationCode = DefaultLocationCode
	row.LocationCodeTypeURI = DefaultLocationSystem
	if imm.Location != nil && imm.Location.Identifier != nil {
		if v := imm.Location.Identifier.Value; v != "" {
			row.LocationCode = v
		}
		if s := imm.Location.Identifier.System; s != "" {
			row.LocationCodeTypeURI = s
		}
	}

	row.ConversionErrors = e.errs
	return row, e.errs
}
